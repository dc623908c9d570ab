package threshold

import (
	"context"

	"github.com/pitabwire/ratify/model"
)

// Store persists threshold definitions.
type Store interface {
	// List returns every stored threshold in no particular order.
	List(ctx context.Context) ([]model.Threshold, error)

	// Get returns the threshold with the given ID, or NOT_FOUND.
	Get(ctx context.Context, id string) (model.Threshold, error)

	// Create persists a new threshold. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, t model.Threshold) error

	// Update persists an edited threshold with optimistic locking. The
	// version must match the stored version; the stored version is then
	// incremented. Returns CONFLICT on a version mismatch.
	Update(ctx context.Context, t model.Threshold) error

	// Delete removes a threshold. Returns NOT_FOUND if it does not exist.
	Delete(ctx context.Context, id string) error
}

// ReferenceChecker reports whether any open workflow instance was built from
// a threshold.
type ReferenceChecker interface {
	ReferencesThreshold(ctx context.Context, thresholdID string) (bool, error)
}
