package threshold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/ratify/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL threshold store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const thresholdColumns = `id, name, description, condition, required_approvers, priority,
	auto_escalate_after_hours, parallel, workflow_type, disabled, version, created_at, updated_at`

// List returns all thresholds.
func (s *PgStore) List(ctx context.Context) ([]model.Threshold, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+thresholdColumns+` FROM approval_thresholds ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query thresholds: %w", err)
	}
	defer rows.Close()

	var out []model.Threshold
	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get returns a threshold by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.Threshold, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+thresholdColumns+` FROM approval_thresholds WHERE id = $1`, id)
	t, err := scanThreshold(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Threshold{}, model.NewNotFoundError(fmt.Sprintf("threshold %q not found", id))
	}
	return t, err
}

// Create inserts a new threshold.
func (s *PgStore) Create(ctx context.Context, t model.Threshold) error {
	condJSON, approversJSON, err := marshalThreshold(t)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO approval_thresholds (`+thresholdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Name, t.Description, condJSON, approversJSON, string(t.Priority),
		t.AutoEscalateAfterHours, t.Parallel, t.WorkflowType, t.Disabled, t.Version,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert threshold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("threshold %q already exists", t.ID))
	}
	return nil
}

// Update persists an edited threshold with optimistic locking.
func (s *PgStore) Update(ctx context.Context, t model.Threshold) error {
	condJSON, approversJSON, err := marshalThreshold(t)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_thresholds SET
			name = $1,
			description = $2,
			condition = $3,
			required_approvers = $4,
			priority = $5,
			auto_escalate_after_hours = $6,
			parallel = $7,
			workflow_type = $8,
			disabled = $9,
			version = $10,
			updated_at = $11
		WHERE id = $12 AND version = $13`,
		t.Name, t.Description, condJSON, approversJSON, string(t.Priority),
		t.AutoEscalateAfterHours, t.Parallel, t.WorkflowType, t.Disabled,
		t.Version+1, t.UpdatedAt,
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update threshold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, t.ID); getErr != nil {
			return getErr
		}
		return model.NewConflictError(
			fmt.Sprintf("threshold %q version conflict (expected %d)", t.ID, t.Version),
		)
	}
	return nil
}

// Delete removes a threshold.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM approval_thresholds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete threshold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("threshold %q not found", id))
	}
	return nil
}

func marshalThreshold(t model.Threshold) (condJSON, approversJSON []byte, err error) {
	condJSON, err = json.Marshal(t.Condition)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal condition: %w", err)
	}
	approvers := t.RequiredApprovers
	if approvers == nil {
		approvers = []model.ApproverRequirement{}
	}
	approversJSON, err = json.Marshal(approvers)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal required approvers: %w", err)
	}
	return condJSON, approversJSON, nil
}

func scanThreshold(row pgx.Row) (model.Threshold, error) {
	var (
		t             model.Threshold
		priority      string
		condJSON      []byte
		approversJSON []byte
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &condJSON, &approversJSON, &priority,
		&t.AutoEscalateAfterHours, &t.Parallel, &t.WorkflowType, &t.Disabled, &t.Version,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Threshold{}, err
		}
		return model.Threshold{}, fmt.Errorf("scan threshold: %w", err)
	}
	t.Priority = model.Priority(priority)
	if err := json.Unmarshal(condJSON, &t.Condition); err != nil {
		return model.Threshold{}, fmt.Errorf("unmarshal condition: %w", err)
	}
	if err := json.Unmarshal(approversJSON, &t.RequiredApprovers); err != nil {
		return model.Threshold{}, fmt.Errorf("unmarshal required approvers: %w", err)
	}
	return t, nil
}
