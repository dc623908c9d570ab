package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/ratify/model"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// PgStore is a PostgreSQL-backed InstanceStore using pgx/v5. The instance
// aggregate lives in a jsonb column; history rows are kept in an append-only
// table written in the same transaction as the instance.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL instance store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const instanceColumns = `id, body, version, created_at, updated_at`

// Create inserts a new instance and its initial history.
func (s *PgStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	body, err := marshalBody(inst)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO approval_instances (
			id, document_id, workflow_type, submitted_by, status,
			current_stage_index, current_deadline, has_outbox,
			pending_approvers, threshold_ids, body, version,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15
		)`,
		inst.ID, inst.Document.DocumentID, inst.WorkflowType, inst.SubmittedBy, string(inst.Status),
		inst.CurrentStageIndex, inst.CurrentDeadline, len(inst.Outbox) > 0,
		nonNil(pendingIdentities(inst)), nonNil(thresholdIDs(inst)), body, inst.Version,
		inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return model.NewConflictError(
				fmt.Sprintf("document %q already has an open instance", inst.Document.DocumentID),
			)
		}
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	if err := insertHistory(ctx, tx, inst.ID, 0, inst.History); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Get retrieves an instance and its history.
func (s *PgStore) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM approval_instances WHERE id = $1`, instanceID)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	out := []model.WorkflowInstance{inst}
	if err := s.attachHistory(ctx, out); err != nil {
		return model.WorkflowInstance{}, err
	}
	return out[0], nil
}

// Update persists an instance with optimistic locking and appends any new
// history entries.
func (s *PgStore) Update(ctx context.Context, inst model.WorkflowInstance) error {
	body, err := marshalBody(inst)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE approval_instances SET
			status = $1,
			current_stage_index = $2,
			current_deadline = $3,
			has_outbox = $4,
			pending_approvers = $5,
			body = $6,
			version = $7,
			updated_at = $8,
			completed_at = $9
		WHERE id = $10 AND version = $11`,
		string(inst.Status), inst.CurrentStageIndex, inst.CurrentDeadline, len(inst.Outbox) > 0,
		nonNil(pendingIdentities(inst)), body, inst.Version+1, inst.UpdatedAt, inst.CompletedAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_instances WHERE id = $1)`, inst.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check workflow instance: %w", err)
		}
		if !exists {
			return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
		}
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}

	var stored int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM approval_history WHERE instance_id = $1`, inst.ID).Scan(&stored); err != nil {
		return fmt.Errorf("count history: %w", err)
	}
	if len(inst.History) < stored {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q history would shrink", inst.ID))
	}
	if err := insertHistory(ctx, tx, inst.ID, stored, inst.History[stored:]); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// List returns instances matching filters, newest first.
func (s *PgStore) List(ctx context.Context, f Filters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE true`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.DocumentID != "" {
		add("document_id = $%d", f.DocumentID)
	}
	if f.WorkflowType != "" {
		add("workflow_type = $%d", f.WorkflowType)
	}
	if f.SubmittedBy != "" {
		add("submitted_by = $%d", f.SubmittedBy)
	}
	query += " ORDER BY created_at DESC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryInstances(ctx, query, args...)
}

// FindOpenByDocument returns the open instance for documentID.
func (s *PgStore) FindOpenByDocument(ctx context.Context, documentID string) (model.WorkflowInstance, bool, error) {
	out, err := s.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM approval_instances
		WHERE document_id = $1 AND status IN ('pending', 'in_progress', 'escalated')
		LIMIT 1`, documentID)
	if err != nil || len(out) == 0 {
		return model.WorkflowInstance{}, false, err
	}
	return out[0], true, nil
}

// FindDue returns open instances whose deadline is at or before cutoff.
func (s *PgStore) FindDue(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM approval_instances
		WHERE status IN ('in_progress', 'escalated')
		  AND current_deadline IS NOT NULL AND current_deadline <= $1
		ORDER BY current_deadline ASC
		LIMIT $2`, cutoff, limit)
}

// FindWithOutbox returns instances with undelivered notifications.
func (s *PgStore) FindWithOutbox(ctx context.Context, limit int) ([]model.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM approval_instances
		WHERE has_outbox
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
}

// FindPendingFor returns instances where identity holds a pending seat.
func (s *PgStore) FindPendingFor(ctx context.Context, identity string) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+` FROM approval_instances
		WHERE status = 'in_progress' AND $1 = ANY(pending_approvers)
		ORDER BY created_at ASC`, identity)
}

// ReferencesThreshold reports whether an open instance references thresholdID.
func (s *PgStore) ReferencesThreshold(ctx context.Context, thresholdID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM approval_instances
			WHERE status IN ('pending', 'in_progress', 'escalated')
			  AND $1 = ANY(threshold_ids)
		)`, thresholdID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query threshold references: %w", err)
	}
	return exists, nil
}

func (s *PgStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var out []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachHistory(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachHistory loads the history of every instance in one query.
func (s *PgStore) attachHistory(ctx context.Context, insts []model.WorkflowInstance) error {
	if len(insts) == 0 {
		return nil
	}
	ids := make([]string, len(insts))
	index := make(map[string]int, len(insts))
	for i, inst := range insts {
		ids[i] = inst.ID
		index[inst.ID] = i
		insts[i].History = []model.HistoryEntry{}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, stage, action, action_by, occurred_at, comments,
		       duration_ns, from_stage, to_stage, delegation_rule_id
		FROM approval_history
		WHERE instance_id = ANY($1)
		ORDER BY instance_id, position ASC`, ids)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			h          model.HistoryEntry
			action     string
			durationNS int64
		)
		if err := rows.Scan(
			&h.ID, &h.InstanceID, &h.Stage, &action, &h.ActionBy, &h.Timestamp, &h.Comments,
			&durationNS, &h.FromStage, &h.ToStage, &h.DelegationRuleID,
		); err != nil {
			return fmt.Errorf("scan history: %w", err)
		}
		h.Action = model.HistoryAction(action)
		h.DurationSinceStageStart = time.Duration(durationNS)
		i := index[h.InstanceID]
		insts[i].History = append(insts[i].History, h)
	}
	return rows.Err()
}

func insertHistory(ctx context.Context, tx pgx.Tx, instanceID string, from int, entries []model.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, h := range entries {
		batch.Queue(`
			INSERT INTO approval_history (
				id, instance_id, position, stage, action, action_by, occurred_at,
				comments, duration_ns, from_stage, to_stage, delegation_rule_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			h.ID, instanceID, from+i, h.Stage, string(h.Action), h.ActionBy, h.Timestamp,
			h.Comments, h.DurationSinceStageStart.Nanoseconds(), h.FromStage, h.ToStage, h.DelegationRuleID,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// marshalBody encodes the aggregate without its history, which is stored
// row by row.
func marshalBody(inst model.WorkflowInstance) ([]byte, error) {
	inst.History = nil
	body, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow instance: %w", err)
	}
	return body, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var (
		inst    model.WorkflowInstance
		id      string
		body    []byte
		version int
		created time.Time
		updated time.Time
	)
	if err := row.Scan(&id, &body, &version, &created, &updated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowInstance{}, err
		}
		return model.WorkflowInstance{}, fmt.Errorf("scan workflow instance: %w", err)
	}
	if err := json.Unmarshal(body, &inst); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal workflow instance: %w", err)
	}
	inst.ID = id
	inst.Version = version
	inst.CreatedAt = created
	inst.UpdatedAt = updated
	return inst, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
