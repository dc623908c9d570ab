package workflow

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/ratify/model"
)

// MemoryStore is an in-memory InstanceStore for tests and single-node use.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance
}

// NewMemoryStore creates a new in-memory instance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]model.WorkflowInstance)}
}

// Create persists a new instance.
func (s *MemoryStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if inst.Status.Open() {
		for _, other := range s.instances {
			if other.Status.Open() && other.Document.DocumentID == inst.Document.DocumentID {
				return model.NewConflictError(
					fmt.Sprintf("document %q already has open instance %q", inst.Document.DocumentID, other.ID),
				)
			}
		}
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Get retrieves an instance by ID.
func (s *MemoryStore) Get(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	return inst.Clone(), nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[inst.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}
	if len(inst.History) < len(existing.History) {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q history would shrink", inst.ID))
	}
	for i := range existing.History {
		if inst.History[i].ID != existing.History[i].ID {
			return model.NewConflictError(fmt.Sprintf("workflow instance %q history entry %d rewritten", inst.ID, i))
		}
	}

	inst = inst.Clone()
	inst.Version++
	s.instances[inst.ID] = inst
	return nil
}

// List returns instances matching filters, newest first.
func (s *MemoryStore) List(_ context.Context, f Filters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	var out []model.WorkflowInstance
	for _, inst := range s.instances {
		if f.match(inst) {
			out = append(out, inst.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, f.Offset, f.Limit), nil
}

// FindOpenByDocument returns the open instance for documentID.
func (s *MemoryStore) FindOpenByDocument(_ context.Context, documentID string) (model.WorkflowInstance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		if inst.Status.Open() && inst.Document.DocumentID == documentID {
			return inst.Clone(), true, nil
		}
	}
	return model.WorkflowInstance{}, false, nil
}

// FindDue returns open instances whose deadline is at or before cutoff.
func (s *MemoryStore) FindDue(_ context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	var out []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status.Open() && inst.CurrentDeadline != nil && !inst.CurrentDeadline.After(cutoff) {
			out = append(out, inst.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CurrentDeadline.Before(*out[j].CurrentDeadline)
	})
	return paginate(out, 0, limit), nil
}

// FindWithOutbox returns instances with undelivered notifications.
func (s *MemoryStore) FindWithOutbox(_ context.Context, limit int) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	var out []model.WorkflowInstance
	for _, inst := range s.instances {
		if len(inst.Outbox) > 0 {
			out = append(out, inst.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return paginate(out, 0, limit), nil
}

// FindPendingFor returns instances where identity holds a pending seat.
func (s *MemoryStore) FindPendingFor(_ context.Context, identity string) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	var out []model.WorkflowInstance
	for _, inst := range s.instances {
		if slices.Contains(pendingIdentities(inst), identity) {
			out = append(out, inst.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ReferencesThreshold reports whether an open instance references thresholdID.
func (s *MemoryStore) ReferencesThreshold(_ context.Context, thresholdID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		if inst.Status.Open() && slices.Contains(thresholdIDs(inst), thresholdID) {
			return true, nil
		}
	}
	return false, nil
}

func paginate(in []model.WorkflowInstance, offset, limit int) []model.WorkflowInstance {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}
