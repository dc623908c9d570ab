package pgschema

import (
	"strings"
	"testing"
)

func TestStatements_coverEveryStoreTable(t *testing.T) {
	stmts := Statements()
	if len(stmts) == 0 {
		t.Fatal("no statements in embedded schema")
	}

	joined := strings.Join(stmts, "\n")
	for _, table := range []string{
		"approval_thresholds",
		"approval_delegations",
		"approval_instances",
		"approval_history",
	} {
		if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema does not create %s", table)
		}
	}
}

func TestStatements_idempotent(t *testing.T) {
	for i, stmt := range Statements() {
		upper := strings.ToUpper(stmt)
		if !strings.Contains(upper, "IF NOT EXISTS") && !strings.Contains(upper, "OR REPLACE") {
			t.Errorf("statement %d is not idempotent: %.60s", i+1, stmt)
		}
	}
}

func TestSchema_oneOpenInstancePerDocument(t *testing.T) {
	var found bool
	for _, stmt := range Statements() {
		if strings.Contains(stmt, "CREATE UNIQUE INDEX") && strings.Contains(stmt, "(document_id)") {
			found = strings.Contains(stmt, "'pending', 'in_progress', 'escalated'")
		}
	}
	if !found {
		t.Error("missing partial unique index on open instances per document")
	}
}

func TestSchema_historyKeepsNanosecondDurations(t *testing.T) {
	for _, stmt := range Statements() {
		if !strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS approval_history") {
			continue
		}
		if !strings.Contains(stmt, "duration_ns") || strings.Contains(stmt, "duration_ms") {
			t.Errorf("approval_history must store durations in nanoseconds:\n%s", stmt)
		}
		return
	}
	t.Fatal("approval_history table not found")
}
