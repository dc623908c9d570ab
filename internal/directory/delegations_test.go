package directory

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/ratify/internal/clock"
	"github.com/pitabwire/ratify/model"
)

func newTestDelegations(t *testing.T) (*Delegations, *Resolver, *clock.Fake) {
	t.Helper()
	store := NewMemoryDelegationStore()
	res := NewResolver(NewStaticDirectoryFromMap(map[string][]string{"cfo": {"carol"}}), store, zap.NewNop())
	clk := clock.NewFake(t0)
	return NewDelegations(store, res, clk, zap.NewNop()), res, clk
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *model.DelegationRule)
		wantErr bool
	}{
		{"valid", func(*model.DelegationRule) {}, false},
		{"self delegation", func(r *model.DelegationRule) { r.ToUser = r.FromUser }, true},
		{"missing from", func(r *model.DelegationRule) { r.FromUser = "" }, true},
		{"end before start", func(r *model.DelegationRule) { r.EndDate = r.StartDate.Add(-time.Hour) }, true},
		{"empty interval", func(r *model.DelegationRule) { r.EndDate = r.StartDate }, true},
		{"negative limit", func(r *model.DelegationRule) { r.AmountLimit = limit(-1) }, true},
		{"blank workflow type", func(r *model.DelegationRule) { r.WorkflowTypes = []string{" "} }, true},
		{"bad status", func(r *model.DelegationRule) { r.Status = "paused" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("d1", "carol", "dave")
			tt.mutate(&r)
			err := ValidateRule(r)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRule() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !model.IsCode(err, model.ErrValidationError) {
				t.Errorf("error code = %v, want VALIDATION_ERROR", err)
			}
		})
	}
}

func TestDelegations_CreateDefaultsAndReloads(t *testing.T) {
	d, res, _ := newTestDelegations(t)
	r := rule("", "carol", "dave")
	r.Status = ""

	created, err := d.Create(context.Background(), r)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" || created.Status != model.DelegationActive || created.Version != 1 {
		t.Errorf("Create() = %+v", created)
	}

	got, err := res.Resolve(context.Background(), "cfo", t0, scope)
	if err != nil {
		t.Fatal(err)
	}
	if got.Identity != "dave" {
		t.Errorf("Identity = %q, want dave", got.Identity)
	}
}

func TestDelegations_CancelStopsRedirect(t *testing.T) {
	d, res, _ := newTestDelegations(t)
	created, err := d.Create(context.Background(), rule("d1", "carol", "dave"))
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := d.Cancel(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != model.DelegationCancelled || cancelled.Version != 2 {
		t.Errorf("Cancel() = %+v", cancelled)
	}
	again, err := d.Cancel(context.Background(), created.ID)
	if err != nil || again.Version != 2 {
		t.Errorf("second Cancel() = %+v, %v; want no-op", again, err)
	}

	got, _ := res.Resolve(context.Background(), "cfo", t0, scope)
	if got.Identity != "carol" {
		t.Errorf("Identity = %q, want carol after cancel", got.Identity)
	}
}

func TestDelegations_UpdateVersionConflict(t *testing.T) {
	d, _, _ := newTestDelegations(t)
	created, err := d.Create(context.Background(), rule("d1", "carol", "dave"))
	if err != nil {
		t.Fatal(err)
	}
	created.ToUser = "erin"
	if _, err := d.Update(context.Background(), created); err != nil {
		t.Fatalf("Update: %v", err)
	}
	created.ToUser = "frank"
	if _, err := d.Update(context.Background(), created); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("stale Update() error = %v, want CONFLICT", err)
	}
}

func TestDelegations_ExpireLapsed(t *testing.T) {
	d, _, _ := newTestDelegations(t)
	if _, err := d.Create(context.Background(), rule("short", "carol", "dave")); err != nil {
		t.Fatal(err)
	}
	long := rule("long", "bob", "erin")
	long.EndDate = t0.Add(4 * week)
	if _, err := d.Create(context.Background(), long); err != nil {
		t.Fatal(err)
	}

	n, err := d.ExpireLapsed(context.Background(), t0.Add(week))
	if err != nil {
		t.Fatalf("ExpireLapsed: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}

	active, err := d.List(context.Background(), ListFilters{Status: model.DelegationActive})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "long" {
		t.Errorf("active = %+v, want [long]", active)
	}
}

func TestDelegations_ListFilters(t *testing.T) {
	d, _, clk := newTestDelegations(t)
	for _, r := range []model.DelegationRule{
		rule("a", "carol", "dave"),
		rule("b", "carol", "erin"),
		rule("c", "bob", "dave"),
	} {
		if _, err := d.Create(context.Background(), r); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Second)
	}

	fromCarol, _ := d.List(context.Background(), ListFilters{FromUser: "carol"})
	if len(fromCarol) != 2 || fromCarol[0].ID != "a" {
		t.Errorf("from carol = %+v", fromCarol)
	}
	toDave, _ := d.List(context.Background(), ListFilters{ToUser: "dave"})
	if len(toDave) != 2 {
		t.Errorf("to dave = %d, want 2", len(toDave))
	}
}

func TestDelegations_Delete(t *testing.T) {
	d, _, _ := newTestDelegations(t)
	if _, err := d.Create(context.Background(), rule("d1", "carol", "dave")); err != nil {
		t.Fatal(err)
	}
	if err := d.Delete(context.Background(), "d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := d.Get(context.Background(), "d1"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Get after delete error = %v, want NOT_FOUND", err)
	}
}
