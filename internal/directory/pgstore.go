package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/ratify/model"
)

// PgDelegationStore is a PostgreSQL-backed DelegationStore using pgx/v5.
// Amount limits are exchanged as text so no numeric codec is needed.
type PgDelegationStore struct {
	pool *pgxpool.Pool
}

// NewPgDelegationStore creates a PostgreSQL delegation store.
func NewPgDelegationStore(pool *pgxpool.Pool) *PgDelegationStore {
	return &PgDelegationStore{pool: pool}
}

const delegationSelect = `
	SELECT id, from_user, to_user, start_date, end_date, workflow_types,
	       amount_limit::text, status, reason, version, created_at, updated_at
	FROM approval_delegations`

// List returns all rules.
func (s *PgDelegationStore) List(ctx context.Context) ([]model.DelegationRule, error) {
	rows, err := s.pool.Query(ctx, delegationSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query delegations: %w", err)
	}
	defer rows.Close()

	var out []model.DelegationRule
	for rows.Next() {
		r, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns a rule by ID.
func (s *PgDelegationStore) Get(ctx context.Context, id string) (model.DelegationRule, error) {
	r, err := scanDelegation(s.pool.QueryRow(ctx, delegationSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DelegationRule{}, model.NewNotFoundError(fmt.Sprintf("delegation %q not found", id))
	}
	return r, err
}

// Create inserts a new rule.
func (s *PgDelegationStore) Create(ctx context.Context, r model.DelegationRule) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO approval_delegations (
			id, from_user, to_user, start_date, end_date, workflow_types,
			amount_limit, status, reason, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.FromUser, r.ToUser, r.StartDate, r.EndDate, workflowTypes(r),
		limitText(r.AmountLimit), string(r.Status), r.Reason, r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delegation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("delegation %q already exists", r.ID))
	}
	return nil
}

// Update persists an edited rule with optimistic locking.
func (s *PgDelegationStore) Update(ctx context.Context, r model.DelegationRule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_delegations SET
			from_user = $1,
			to_user = $2,
			start_date = $3,
			end_date = $4,
			workflow_types = $5,
			amount_limit = $6::text::numeric,
			status = $7,
			reason = $8,
			version = $9,
			updated_at = $10
		WHERE id = $11 AND version = $12`,
		r.FromUser, r.ToUser, r.StartDate, r.EndDate, workflowTypes(r),
		limitText(r.AmountLimit), string(r.Status), r.Reason, r.Version+1, r.UpdatedAt,
		r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("update delegation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, r.ID); getErr != nil {
			return getErr
		}
		return model.NewConflictError(
			fmt.Sprintf("delegation %q version conflict (expected %d)", r.ID, r.Version),
		)
	}
	return nil
}

// Delete removes a rule.
func (s *PgDelegationStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM approval_delegations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete delegation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("delegation %q not found", id))
	}
	return nil
}

func workflowTypes(r model.DelegationRule) []string {
	if r.WorkflowTypes == nil {
		return []string{}
	}
	return r.WorkflowTypes
}

func limitText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func scanDelegation(row pgx.Row) (model.DelegationRule, error) {
	var (
		r      model.DelegationRule
		limit  *string
		status string
	)
	err := row.Scan(
		&r.ID, &r.FromUser, &r.ToUser, &r.StartDate, &r.EndDate, &r.WorkflowTypes,
		&limit, &status, &r.Reason, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DelegationRule{}, err
		}
		return model.DelegationRule{}, fmt.Errorf("scan delegation: %w", err)
	}
	r.Status = model.DelegationStatus(status)
	if len(r.WorkflowTypes) == 0 {
		r.WorkflowTypes = nil
	}
	if limit != nil {
		d, err := decimal.NewFromString(*limit)
		if err != nil {
			return model.DelegationRule{}, fmt.Errorf("parse amount limit %q: %w", *limit, err)
		}
		r.AmountLimit = &d
	}
	r.StartDate = r.StartDate.UTC()
	r.EndDate = r.EndDate.UTC()
	return r, nil
}
