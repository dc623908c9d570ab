package directory

import (
	"context"

	"github.com/pitabwire/ratify/model"
)

// DelegationStore persists delegation rules.
type DelegationStore interface {
	// List returns every rule, whatever its status.
	List(ctx context.Context) ([]model.DelegationRule, error)

	// Get returns a rule by ID, or NOT_FOUND.
	Get(ctx context.Context, id string) (model.DelegationRule, error)

	// Create persists a new rule. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, rule model.DelegationRule) error

	// Update persists an edited rule with optimistic locking and increments
	// the stored version. Returns CONFLICT on a version mismatch.
	Update(ctx context.Context, rule model.DelegationRule) error

	// Delete removes a rule. Returns NOT_FOUND if it does not exist.
	Delete(ctx context.Context, id string) error
}
