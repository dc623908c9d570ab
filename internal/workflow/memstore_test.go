package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/ratify/model"
)

func storedInstance(id, doc string, status model.InstanceStatus) model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:        id,
		Document:  model.Document{DocumentID: doc},
		Status:    status,
		Version:   1,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func TestMemoryStore_CreateRejectsSecondOpenInstance(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, storedInstance("a", "doc-1", model.StatusInProgress)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, storedInstance("b", "doc-1", model.StatusInProgress))
	wantCode(t, err, model.ErrConflict)

	// A closed instance does not block a new one.
	if err := s.Create(ctx, storedInstance("c", "doc-2", model.StatusApproved)); err != nil {
		t.Fatalf("Create closed: %v", err)
	}
	if err := s.Create(ctx, storedInstance("d", "doc-2", model.StatusInProgress)); err != nil {
		t.Errorf("Create after closed: %v", err)
	}
}

func TestMemoryStore_UpdateOptimisticLocking(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	inst := storedInstance("a", "doc-1", model.StatusInProgress)
	if err := s.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}

	inst.Status = model.StatusApproved
	if err := s.Update(ctx, inst); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(ctx, "a")
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}

	// Stale version.
	wantCode(t, s.Update(ctx, inst), model.ErrConflict)

	wantCode(t, s.Update(ctx, storedInstance("missing", "x", model.StatusInProgress)), model.ErrNotFound)
}

func TestMemoryStore_HistoryIsAppendOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	inst := storedInstance("a", "doc-1", model.StatusInProgress)
	inst.History = []model.HistoryEntry{{ID: "h1"}}
	if err := s.Create(ctx, inst); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rewritten := inst.Clone()
	rewritten.History[0].ID = "other"
	wantCode(t, s.Update(ctx, rewritten), model.ErrConflict)

	shrunk := inst.Clone()
	shrunk.History = nil
	wantCode(t, s.Update(ctx, shrunk), model.ErrConflict)

	grown := inst.Clone()
	grown.History = append(grown.History, model.HistoryEntry{ID: "h2"})
	if err := s.Update(ctx, grown); err != nil {
		t.Errorf("append Update: %v", err)
	}
}

func TestMemoryStore_FindDue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	early, late := t0.Add(time.Hour), t0.Add(3*time.Hour)

	a := storedInstance("a", "doc-a", model.StatusInProgress)
	a.CurrentDeadline = &late
	b := storedInstance("b", "doc-b", model.StatusEscalated)
	b.CurrentDeadline = &early
	c := storedInstance("c", "doc-c", model.StatusApproved)
	c.CurrentDeadline = &early
	for _, inst := range []model.WorkflowInstance{a, b, c} {
		if err := s.Create(ctx, inst); err != nil {
			t.Fatalf("Create %s: %v", inst.ID, err)
		}
	}

	due, err := s.FindDue(ctx, t0.Add(4*time.Hour), 0)
	if err != nil {
		t.Fatalf("FindDue: %v", err)
	}
	if len(due) != 2 || due[0].ID != "b" || due[1].ID != "a" {
		t.Errorf("FindDue() = %v, want [b a]", instanceIDs(due))
	}

	due, _ = s.FindDue(ctx, t0.Add(2*time.Hour), 0)
	if len(due) != 1 || due[0].ID != "b" {
		t.Errorf("FindDue(t0+2h) = %v, want [b]", instanceIDs(due))
	}
}

func TestMemoryStore_ListFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		inst := storedInstance(id, "doc-"+id, model.StatusInProgress)
		inst.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		inst.SubmittedBy = "sam"
		if id == "b" {
			inst.Status = model.StatusRejected
			inst.SubmittedBy = "kim"
		}
		if err := s.Create(ctx, inst); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	all, _ := s.List(ctx, Filters{})
	if got := instanceIDs(all); len(got) != 3 || got[0] != "c" {
		t.Errorf("List() = %v, want newest first", got)
	}
	open, _ := s.List(ctx, Filters{Status: model.StatusInProgress, SubmittedBy: "sam"})
	if len(open) != 2 {
		t.Errorf("List(in_progress, sam) = %v", instanceIDs(open))
	}
	page, _ := s.List(ctx, Filters{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("List(limit 1 offset 1) = %v, want [b]", instanceIDs(page))
	}
}
