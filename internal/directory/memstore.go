package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/ratify/model"
)

// MemoryDelegationStore is an in-memory DelegationStore.
type MemoryDelegationStore struct {
	mu    sync.RWMutex
	rules map[string]model.DelegationRule
}

// NewMemoryDelegationStore creates an empty in-memory delegation store.
func NewMemoryDelegationStore() *MemoryDelegationStore {
	return &MemoryDelegationStore{rules: make(map[string]model.DelegationRule)}
}

// List returns all rules.
func (s *MemoryDelegationStore) List(_ context.Context) ([]model.DelegationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.DelegationRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Clone())
	}
	return out, nil
}

// Get returns a rule by ID.
func (s *MemoryDelegationStore) Get(_ context.Context, id string) (model.DelegationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return model.DelegationRule{}, model.NewNotFoundError(fmt.Sprintf("delegation %q not found", id))
	}
	return r.Clone(), nil
}

// Create persists a new rule.
func (s *MemoryDelegationStore) Create(_ context.Context, rule model.DelegationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("delegation %q already exists", rule.ID))
	}
	s.rules[rule.ID] = rule.Clone()
	return nil
}

// Update persists an edited rule with optimistic locking.
func (s *MemoryDelegationStore) Update(_ context.Context, rule model.DelegationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("delegation %q not found", rule.ID))
	}
	if existing.Version != rule.Version {
		return model.NewConflictError(
			fmt.Sprintf("delegation %q version conflict (expected %d, got %d)", rule.ID, rule.Version, existing.Version),
		)
	}
	rule = rule.Clone()
	rule.Version++
	s.rules[rule.ID] = rule
	return nil
}

// Delete removes a rule.
func (s *MemoryDelegationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return model.NewNotFoundError(fmt.Sprintf("delegation %q not found", id))
	}
	delete(s.rules, id)
	return nil
}
