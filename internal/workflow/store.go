package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/ratify/model"
)

// InstanceStore persists workflow instances together with their history.
type InstanceStore interface {
	// Create persists a new instance. Returns CONFLICT if the ID exists or
	// the document already has an open instance.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// Get retrieves an instance by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// Update persists an updated instance with optimistic locking. The
	// version must match the stored version. Returns CONFLICT if it has
	// changed. History entries already stored are never rewritten.
	Update(ctx context.Context, instance model.WorkflowInstance) error

	// List returns instances matching filters, newest first.
	List(ctx context.Context, filters Filters) ([]model.WorkflowInstance, error)

	// FindOpenByDocument returns the open instance for a document, if any.
	FindOpenByDocument(ctx context.Context, documentID string) (model.WorkflowInstance, bool, error)

	// FindDue returns open instances whose current deadline is at or before
	// cutoff, oldest deadline first.
	FindDue(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error)

	// FindWithOutbox returns instances holding undelivered notifications.
	FindWithOutbox(ctx context.Context, limit int) ([]model.WorkflowInstance, error)

	// FindPendingFor returns in-progress instances where identity holds a
	// pending seat on the current stage, either directly or as nominal
	// holder.
	FindPendingFor(ctx context.Context, identity string) ([]model.WorkflowInstance, error)

	// ReferencesThreshold reports whether an open instance was built from
	// the threshold.
	ReferencesThreshold(ctx context.Context, thresholdID string) (bool, error)
}

// Filters are optional filters for listing instances.
type Filters struct {
	Status       model.InstanceStatus
	DocumentID   string
	WorkflowType string
	SubmittedBy  string
	Limit        int
	Offset       int
}

func (f Filters) match(inst model.WorkflowInstance) bool {
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.DocumentID != "" && inst.Document.DocumentID != f.DocumentID {
		return false
	}
	if f.WorkflowType != "" && inst.WorkflowType != f.WorkflowType {
		return false
	}
	if f.SubmittedBy != "" && inst.SubmittedBy != f.SubmittedBy {
		return false
	}
	return true
}

// pendingIdentities returns the identities and nominal holders of the
// pending seats on the current stage of an in-progress instance.
func pendingIdentities(inst model.WorkflowInstance) []string {
	if inst.Status != model.StatusInProgress {
		return nil
	}
	st := inst.CurrentStage()
	if st == nil || st.Completed() {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, seat := range st.Seats {
		if seat.Status != model.SeatPending {
			continue
		}
		for _, id := range []string{seat.Identity, seat.Nominal} {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func thresholdIDs(inst model.WorkflowInstance) []string {
	out := make([]string, 0, len(inst.ThresholdRefs))
	for _, ref := range inst.ThresholdRefs {
		out = append(out, ref.ID)
	}
	return out
}
