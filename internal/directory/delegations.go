package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/ratify/internal/clock"
	"github.com/pitabwire/ratify/model"
)

// Delegations is the administrative surface for delegation rules. Every
// write refreshes the resolver snapshot.
type Delegations struct {
	store    DelegationStore
	resolver *Resolver
	clock    clock.Clock
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewDelegations creates the delegation admin service.
func NewDelegations(store DelegationStore, resolver *Resolver, clk clock.Clock, logger *zap.Logger) *Delegations {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Delegations{store: store, resolver: resolver, clock: clk, logger: logger}
}

// ValidateRule checks a delegation rule definition.
func ValidateRule(r model.DelegationRule) error {
	var details []model.FieldError
	add := func(field, code, msg string) {
		details = append(details, model.FieldError{Field: field, Code: code, Message: msg})
	}

	if strings.TrimSpace(r.FromUser) == "" {
		add("from_user", "REQUIRED", "from_user is required")
	}
	if strings.TrimSpace(r.ToUser) == "" {
		add("to_user", "REQUIRED", "to_user is required")
	}
	if r.FromUser != "" && r.FromUser == r.ToUser {
		add("to_user", "INVALID", "cannot delegate to oneself")
	}
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		add("end_date", "REQUIRED", "start_date and end_date are required")
	} else if !r.EndDate.After(r.StartDate) {
		add("end_date", "INVALID", "end_date must be after start_date")
	}
	if r.AmountLimit != nil && r.AmountLimit.IsNegative() {
		add("amount_limit", "INVALID", "amount_limit must not be negative")
	}
	for i, wt := range r.WorkflowTypes {
		if strings.TrimSpace(wt) == "" {
			add(fmt.Sprintf("workflow_types[%d]", i), "INVALID", "workflow type must not be blank")
		}
	}
	switch r.Status {
	case "", model.DelegationActive, model.DelegationExpired, model.DelegationCancelled:
	default:
		add("status", "INVALID", fmt.Sprintf("unknown status %q", r.Status))
	}

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Create validates and stores a new rule. An empty ID is generated and an
// empty status defaults to active.
func (d *Delegations) Create(ctx context.Context, r model.DelegationRule) (model.DelegationRule, error) {
	if err := ValidateRule(r); err != nil {
		return model.DelegationRule{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = model.DelegationActive
	}
	r.StartDate = r.StartDate.UTC()
	r.EndDate = r.EndDate.UTC()
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now

	if err := d.store.Create(ctx, r); err != nil {
		return model.DelegationRule{}, err
	}
	if err := d.resolver.Reload(ctx); err != nil {
		return model.DelegationRule{}, err
	}
	d.logger.Info("delegation created",
		zap.String("delegation_id", r.ID),
		zap.String("from_user", r.FromUser),
		zap.String("to_user", r.ToUser),
		zap.Time("start_date", r.StartDate),
		zap.Time("end_date", r.EndDate),
	)
	return r, nil
}

// Update replaces a rule. When r.Version is non-zero it must match the
// stored version. Seats already resolved are never re-resolved.
func (d *Delegations) Update(ctx context.Context, r model.DelegationRule) (model.DelegationRule, error) {
	if err := ValidateRule(r); err != nil {
		return model.DelegationRule{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updateLocked(ctx, r)
}

func (d *Delegations) updateLocked(ctx context.Context, r model.DelegationRule) (model.DelegationRule, error) {
	existing, err := d.store.Get(ctx, r.ID)
	if err != nil {
		return model.DelegationRule{}, err
	}
	if r.Version != 0 && r.Version != existing.Version {
		return model.DelegationRule{}, model.NewConflictError(
			fmt.Sprintf("delegation %q version conflict (expected %d, got %d)", r.ID, r.Version, existing.Version),
		)
	}
	if r.Status == "" {
		r.Status = existing.Status
	}
	r.StartDate = r.StartDate.UTC()
	r.EndDate = r.EndDate.UTC()
	r.Version = existing.Version
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = d.clock.Now()

	if err := d.store.Update(ctx, r); err != nil {
		return model.DelegationRule{}, err
	}
	r.Version++
	if err := d.resolver.Reload(ctx); err != nil {
		return model.DelegationRule{}, err
	}
	d.logger.Info("delegation updated",
		zap.String("delegation_id", r.ID),
		zap.String("status", string(r.Status)),
		zap.Int("version", r.Version),
	)
	return r, nil
}

// Cancel marks a rule cancelled. Cancelling a cancelled rule is a no-op.
func (d *Delegations) Cancel(ctx context.Context, id string) (model.DelegationRule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, err := d.store.Get(ctx, id)
	if err != nil {
		return model.DelegationRule{}, err
	}
	if r.Status == model.DelegationCancelled {
		return r, nil
	}
	r.Status = model.DelegationCancelled
	return d.updateLocked(ctx, r)
}

// Delete removes a rule.
func (d *Delegations) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := d.resolver.Reload(ctx); err != nil {
		return err
	}
	d.logger.Info("delegation deleted", zap.String("delegation_id", id))
	return nil
}

// Get returns a rule by ID.
func (d *Delegations) Get(ctx context.Context, id string) (model.DelegationRule, error) {
	return d.store.Get(ctx, id)
}

// ListFilters narrows List results.
type ListFilters struct {
	FromUser string
	ToUser   string
	Status   model.DelegationStatus
}

// List returns rules matching filters, oldest first.
func (d *Delegations) List(ctx context.Context, f ListFilters) ([]model.DelegationRule, error) {
	all, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.DelegationRule
	for _, r := range all {
		if f.FromUser != "" && r.FromUser != f.FromUser {
			continue
		}
		if f.ToUser != "" && r.ToUser != f.ToUser {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sortRules(out)
	return out, nil
}

// ExpireLapsed marks active rules whose end date is at or before now as
// expired. It returns the number of rules changed.
func (d *Delegations) ExpireLapsed(ctx context.Context, now time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	all, err := d.store.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range all {
		if r.Status != model.DelegationActive || now.Before(r.EndDate) {
			continue
		}
		r.Status = model.DelegationExpired
		r.UpdatedAt = now
		if err := d.store.Update(ctx, r); err != nil {
			if model.IsCode(err, model.ErrConflict) {
				continue
			}
			return n, fmt.Errorf("expire delegation %q: %w", r.ID, err)
		}
		n++
	}
	if n > 0 {
		if err := d.resolver.Reload(ctx); err != nil {
			return n, err
		}
		d.logger.Info("lapsed delegations expired", zap.Int("count", n))
	}
	return n, nil
}

func sortRules(rules []model.DelegationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}
