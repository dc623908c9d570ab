// Package threshold stores approval thresholds, matches documents against
// them and turns matched thresholds into approval stages.
package threshold

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/ratify/internal/clock"
	"github.com/pitabwire/ratify/internal/condition"
	"github.com/pitabwire/ratify/model"
)

// snapshot is an immutable view of all thresholds.
type snapshot struct {
	byID    map[string]model.Threshold
	ordered []model.Threshold // active only, in match order
	version uint64
}

// Registry serves threshold matching from an immutable snapshot that is
// swapped atomically after every write. Reads never take a lock.
type Registry struct {
	store  Store
	refs   ReferenceChecker
	clock  clock.Clock
	logger *zap.Logger

	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry backed by store. Call Reload before use.
func NewRegistry(store Store, clk clock.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{store: store, clock: clk, logger: logger}
	r.snap.Store(&snapshot{byID: map[string]model.Threshold{}})
	return r
}

// SetReferenceChecker installs the checker consulted before deleting.
func (r *Registry) SetReferenceChecker(rc ReferenceChecker) {
	r.writeMu.Lock()
	r.refs = rc
	r.writeMu.Unlock()
}

// Reload rebuilds the snapshot from the store.
func (r *Registry) Reload(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.reloadLocked(ctx)
}

func (r *Registry) reloadLocked(ctx context.Context) error {
	all, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list thresholds: %w", err)
	}

	prev := r.snap.Load()
	s := &snapshot{
		byID:    make(map[string]model.Threshold, len(all)),
		version: prev.version + 1,
	}
	for _, t := range all {
		s.byID[t.ID] = t
		if !t.Disabled {
			s.ordered = append(s.ordered, t)
		}
	}
	sortForMatch(s.ordered)
	r.snap.Store(s)

	r.logger.Debug("threshold snapshot rebuilt",
		zap.Int("thresholds", len(all)),
		zap.Int("active", len(s.ordered)),
		zap.Uint64("version", s.version),
	)
	return nil
}

// sortForMatch orders by priority descending, then earliest creation, then ID.
func sortForMatch(ts []model.Threshold) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// MatchThresholds returns every active threshold whose condition holds for
// doc, ordered by priority descending and then by earliest creation.
func (r *Registry) MatchThresholds(doc model.Document) ([]model.Threshold, error) {
	s := r.snap.Load()
	var matched []model.Threshold
	for _, t := range s.ordered {
		ok, err := condition.Evaluate(t.Condition, doc)
		if err != nil {
			return nil, fmt.Errorf("threshold %q: %w", t.ID, err)
		}
		if ok {
			matched = append(matched, t.Clone())
		}
	}
	return matched, nil
}

// Get returns a threshold from the current snapshot.
func (r *Registry) Get(id string) (model.Threshold, bool) {
	t, ok := r.snap.Load().byID[id]
	if !ok {
		return model.Threshold{}, false
	}
	return t.Clone(), true
}

// List returns every threshold, disabled ones included, in match order.
func (r *Registry) List() []model.Threshold {
	s := r.snap.Load()
	out := make([]model.Threshold, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t.Clone())
	}
	sortForMatch(out)
	return out
}

// Count returns the number of thresholds in the snapshot.
func (r *Registry) Count() int {
	return len(r.snap.Load().byID)
}

// Create validates and stores a new threshold. An empty ID is generated.
func (r *Registry) Create(ctx context.Context, t model.Threshold) (model.Threshold, error) {
	if err := Validate(t); err != nil {
		return model.Threshold{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	now := r.clock.Now()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := r.store.Create(ctx, t); err != nil {
		return model.Threshold{}, err
	}
	if err := r.reloadLocked(ctx); err != nil {
		return model.Threshold{}, err
	}
	r.logger.Info("threshold created", zap.String("threshold_id", t.ID), zap.String("name", t.Name))
	return t, nil
}

// Update replaces an existing threshold. When t.Version is non-zero it must
// match the stored version. Instances already built from the threshold are
// unaffected.
func (r *Registry) Update(ctx context.Context, t model.Threshold) (model.Threshold, error) {
	if err := Validate(t); err != nil {
		return model.Threshold{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	existing, err := r.store.Get(ctx, t.ID)
	if err != nil {
		return model.Threshold{}, err
	}
	if t.Version != 0 && t.Version != existing.Version {
		return model.Threshold{}, model.NewConflictError(
			fmt.Sprintf("threshold %q version conflict (expected %d, got %d)", t.ID, t.Version, existing.Version),
		)
	}
	t.Version = existing.Version
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = r.clock.Now()

	if err := r.store.Update(ctx, t); err != nil {
		return model.Threshold{}, err
	}
	t.Version++
	if err := r.reloadLocked(ctx); err != nil {
		return model.Threshold{}, err
	}
	r.logger.Info("threshold updated", zap.String("threshold_id", t.ID), zap.Int("version", t.Version))
	return t, nil
}

// Delete removes a threshold unless an open instance still references it.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.refs != nil {
		referenced, err := r.refs.ReferencesThreshold(ctx, id)
		if err != nil {
			return fmt.Errorf("check threshold references: %w", err)
		}
		if referenced {
			return model.NewConflictError(
				fmt.Sprintf("threshold %q is referenced by an open workflow instance", id),
			)
		}
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := r.reloadLocked(ctx); err != nil {
		return err
	}
	r.logger.Info("threshold deleted", zap.String("threshold_id", id))
	return nil
}

// Upsert creates the threshold, or updates it when one with the same ID
// exists with a different definition. Used for seeding from files.
func (r *Registry) Upsert(ctx context.Context, t model.Threshold) (model.Threshold, error) {
	if t.ID != "" {
		existing, err := r.store.Get(ctx, t.ID)
		switch {
		case err == nil:
			if sameDefinition(existing, t) {
				return existing, nil
			}
			t.Version = 0
			return r.Update(ctx, t)
		case !model.IsCode(err, model.ErrNotFound):
			return model.Threshold{}, err
		}
	}
	return r.Create(ctx, t)
}

func sameDefinition(a, b model.Threshold) bool {
	for _, t := range []*model.Threshold{&a, &b} {
		t.Version = 0
		t.CreatedAt = time.Time{}
		t.UpdatedAt = time.Time{}
		if len(t.RequiredApprovers) == 0 {
			t.RequiredApprovers = nil
		}
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(aj, bj)
}
