package threshold

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/ratify/model"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	thresholds map[string]model.Threshold
}

// NewMemoryStore creates an empty in-memory threshold store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{thresholds: make(map[string]model.Threshold)}
}

// List returns all thresholds.
func (s *MemoryStore) List(_ context.Context) ([]model.Threshold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Threshold, 0, len(s.thresholds))
	for _, t := range s.thresholds {
		out = append(out, t.Clone())
	}
	return out, nil
}

// Get returns a threshold by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.Threshold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.thresholds[id]
	if !ok {
		return model.Threshold{}, model.NewNotFoundError(fmt.Sprintf("threshold %q not found", id))
	}
	return t.Clone(), nil
}

// Create persists a new threshold.
func (s *MemoryStore) Create(_ context.Context, t model.Threshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.thresholds[t.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("threshold %q already exists", t.ID))
	}
	s.thresholds[t.ID] = t.Clone()
	return nil
}

// Update persists an edited threshold with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, t model.Threshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.thresholds[t.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("threshold %q not found", t.ID))
	}
	if existing.Version != t.Version {
		return model.NewConflictError(
			fmt.Sprintf("threshold %q version conflict (expected %d, got %d)", t.ID, t.Version, existing.Version),
		)
	}

	t = t.Clone()
	t.Version++
	s.thresholds[t.ID] = t
	return nil
}

// Delete removes a threshold.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.thresholds[id]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("threshold %q not found", id))
	}
	delete(s.thresholds, id)
	return nil
}
