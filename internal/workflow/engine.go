package workflow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/ratify/internal/clock"
	"github.com/pitabwire/ratify/internal/directory"
	"github.com/pitabwire/ratify/internal/observability"
	"github.com/pitabwire/ratify/internal/threshold"
	"github.com/pitabwire/ratify/model"
)

// SystemActor is recorded as the actor of scheduler-driven transitions.
const SystemActor = "system"

// Status reason codes set alongside escalated, expired and cancelled states.
const (
	ReasonDeadlineExceeded = "DEADLINE_EXCEEDED"
	ReasonManualEscalation = "MANUAL_ESCALATION"
	ReasonCancelled        = "CANCELLED"
)

// ThresholdMatcher selects the thresholds a document satisfies.
type ThresholdMatcher interface {
	MatchThresholds(doc model.Document) ([]model.Threshold, error)
}

// SeatResolver turns roles and users into delegation-aware approver seats.
type SeatResolver interface {
	ResolveUser(user, role string, asOf time.Time, scope model.DelegationScope) directory.Resolution
	ResolveSeats(ctx context.Context, role string, count int, asOf time.Time, scope model.DelegationScope, exclude ...string) ([]directory.Resolution, error)
	ResolveAll(ctx context.Context, role string, minCount int, asOf time.Time, scope model.DelegationScope, exclude ...string) ([]directory.Resolution, error)
}

// Notifier delivers one outbound notification.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Metrics receives engine events.
type Metrics interface {
	RecordSubmission(workflowType string, status model.InstanceStatus)
	RecordTransition(workflowType string, action model.HistoryAction)
	RecordCompletion(workflowType string, status model.InstanceStatus, elapsed time.Duration)
	RecordNotification(kind model.NotificationType, err error)
}

// Engine manages the lifecycle of approval workflow instances. Mutations of
// one instance are serialized by a per-instance lock; different instances
// proceed in parallel.
type Engine struct {
	store      InstanceStore
	thresholds ThresholdMatcher
	resolver   SeatResolver
	clock      clock.Clock
	logger     *zap.Logger
	notifier   Notifier
	metrics    Metrics
	locks      *keyedMutex
}

// NewEngine creates a workflow engine. Notifications are discarded and
// metrics dropped until SetNotifier and SetMetrics are called.
func NewEngine(
	store InstanceStore,
	thresholds ThresholdMatcher,
	resolver SeatResolver,
	clk clock.Clock,
	logger *zap.Logger,
) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      store,
		thresholds: thresholds,
		resolver:   resolver,
		clock:      clk,
		logger:     logger,
		notifier:   discardNotifier{},
		metrics:    nopMetrics{},
		locks:      newKeyedMutex(),
	}
}

// SetNotifier sets the notification sink used when flushing outboxes.
func (e *Engine) SetNotifier(n Notifier) {
	if n != nil {
		e.notifier = n
	}
}

// SetMetrics sets the metrics recorder.
func (e *Engine) SetMetrics(m Metrics) {
	if m != nil {
		e.metrics = m
	}
}

// SubmitRequest starts a workflow from explicit stage templates.
type SubmitRequest struct {
	Document      model.Document
	WorkflowType  string
	SubmittedBy   string
	Stages        []model.StageTemplate
	ThresholdRefs []model.ThresholdRef
}

// SubmitDocument matches doc against the active thresholds, builds the
// union of their stages and starts a workflow.
func (e *Engine) SubmitDocument(ctx context.Context, doc model.Document, submittedBy string) (model.WorkflowInstance, error) {
	matched, err := e.thresholds.MatchThresholds(doc)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return e.Submit(ctx, SubmitRequest{
		Document:      doc,
		WorkflowType:  threshold.WorkflowType(matched, doc),
		SubmittedBy:   submittedBy,
		Stages:        threshold.BuildStages(matched),
		ThresholdRefs: threshold.Refs(matched),
	})
}

// Submit creates an instance, resolves the approvers of its first stage and
// persists it. A document with no stages is approved immediately.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.submit",
		observability.AttrDocumentID.String(req.Document.DocumentID),
		observability.AttrWorkflowType.String(req.WorkflowType),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := validateSubmit(req); err != nil {
		return model.WorkflowInstance{}, err
	}

	unlock := e.locks.Lock("document:" + req.Document.DocumentID)
	defer unlock()

	if open, ok, err := e.store.FindOpenByDocument(ctx, req.Document.DocumentID); err != nil {
		return model.WorkflowInstance{}, err
	} else if ok {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("document %q already has open instance %q", req.Document.DocumentID, open.ID),
		)
	}

	now := e.clock.Now()
	workflowType := req.WorkflowType
	if workflowType == "" {
		workflowType = req.Document.DocumentType
	}
	inst = model.WorkflowInstance{
		ID:            newID(),
		Document:      req.Document.Clone(),
		WorkflowType:  workflowType,
		SubmittedBy:   req.SubmittedBy,
		Status:        model.StatusPending,
		Stages:        instantiate(req.Stages),
		History:       []model.HistoryEntry{},
		ThresholdRefs: slices.Clone(req.ThresholdRefs),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if len(inst.Stages) == 0 {
		e.finish(&inst, model.StatusApproved, now)
		queue(&inst, model.NotifyApproved, 0, SystemActor, []string{inst.SubmittedBy}, now)
	} else {
		inst.Status = model.StatusInProgress
		if err := e.advanceTo(ctx, &inst, 0, now); err != nil {
			return model.WorkflowInstance{}, err
		}
	}

	if err := e.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	span.SetAttributes(observability.InstanceAttributes(inst)...)
	e.metrics.RecordSubmission(inst.WorkflowType, inst.Status)
	e.observe(inst, 0, model.StatusPending)
	e.logger.Info("workflow submitted",
		zap.String("instance_id", inst.ID),
		zap.String("document_id", inst.Document.DocumentID),
		zap.String("workflow_type", inst.WorkflowType),
		zap.Int("stages", len(inst.Stages)),
		zap.String("status", string(inst.Status)),
	)

	e.deliver(ctx, &inst)
	return inst, nil
}

// Approve records identity's approval on stage seq and advances the
// instance when the stage's completion rule is met.
func (e *Engine) Approve(ctx context.Context, instanceID string, seq int, identity, comments string) (model.WorkflowInstance, error) {
	return e.mutate(ctx, "approve", instanceID, func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		st, i, err := decisionSeat(inst, seq, identity)
		if err != nil {
			return false, err
		}
		seat := &st.Seats[i]
		seat.Status = model.SeatApproved
		seat.RespondedAt = &now
		seat.Comments = comments

		to := seq
		advance := false
		if stageComplete(st) {
			st.CompletedAt = &now
			if seq == len(inst.Stages) {
				e.finish(inst, model.StatusApproved, now)
			} else {
				to = seq + 1
				advance = true
			}
		}

		appendHistory(inst, transition{
			action:   model.ActionApproved,
			actor:    identity,
			comments: comments,
			stage:    seq,
			toStage:  to,
			ruleID:   actingRule(*seat, identity),
		}, now)
		queue(inst, model.NotifyApproved, seq, identity, []string{inst.SubmittedBy}, now)

		if advance {
			return true, e.advanceTo(ctx, inst, seq, now)
		}
		return true, nil
	})
}

// Reject records identity's rejection on stage seq. The instance becomes
// rejected and later stages are never entered. Comments are required.
func (e *Engine) Reject(ctx context.Context, instanceID string, seq int, identity, comments string) (model.WorkflowInstance, error) {
	return e.mutate(ctx, "reject", instanceID, func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		if !inst.Status.Terminal() && strings.TrimSpace(comments) == "" {
			return false, model.NewMissingJustificationError()
		}
		st, i, err := decisionSeat(inst, seq, identity)
		if err != nil {
			return false, err
		}
		seat := &st.Seats[i]
		seat.Status = model.SeatRejected
		seat.RespondedAt = &now
		seat.Comments = comments
		st.CompletedAt = &now
		e.finish(inst, model.StatusRejected, now)

		appendHistory(inst, transition{
			action:   model.ActionRejected,
			actor:    identity,
			comments: comments,
			stage:    seq,
			toStage:  seq,
			ruleID:   actingRule(*seat, identity),
		}, now)
		queue(inst, model.NotifyRejected, seq, identity, []string{inst.SubmittedBy}, now)
		return true, nil
	})
}

// Delegate hands identity's pending seat on stage seq to toUser for this
// instance only.
func (e *Engine) Delegate(ctx context.Context, instanceID string, seq int, identity, toUser, comments string) (model.WorkflowInstance, error) {
	return e.mutate(ctx, "delegate", instanceID, func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		toUser = strings.TrimSpace(toUser)
		if toUser == "" {
			return false, model.NewValidationError([]model.FieldError{
				{Field: "to_user", Code: "REQUIRED", Message: "to_user is required"},
			})
		}
		st, i, err := decisionSeat(inst, seq, identity)
		if err != nil {
			return false, err
		}
		seat := &st.Seats[i]
		switch {
		case toUser == seat.Identity || toUser == identity:
			return false, model.NewBadRequestError("cannot delegate a seat to its current holder")
		case toUser == inst.SubmittedBy:
			return false, model.NewNotAuthorizedError("cannot delegate to the submitter")
		case holdsSeat(st, toUser):
			return false, model.NewConflictError(fmt.Sprintf("%q already holds a seat on stage %d", toUser, seq))
		}
		seat.Identity = toUser
		seat.DelegationRuleID = ""

		appendHistory(inst, transition{
			action:   model.ActionDelegated,
			actor:    identity,
			comments: comments,
			stage:    seq,
			toStage:  seq,
		}, now)
		queue(inst, model.NotifyDelegated, seq, identity, []string{toUser}, now)
		return true, nil
	})
}

// Escalate reroutes the pending seats of stage seq to the stage's
// escalation target, or moves the instance to escalated when no target is
// configured or resolvable. Escalating an already escalated stage is a
// no-op.
func (e *Engine) Escalate(ctx context.Context, instanceID string, seq int, actor, comments string) (model.WorkflowInstance, error) {
	return e.mutate(ctx, "escalate", instanceID, func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		if inst.Status.Terminal() {
			return false, model.NewAlreadyTerminalError(inst.ID, inst.Status)
		}
		st, err := currentStage(inst, seq)
		if err != nil {
			return false, err
		}
		if inst.Status == model.StatusEscalated || st.Escalated() {
			return false, nil
		}
		reason := model.StatusReason{Code: ReasonManualEscalation, Message: "escalated by " + actor}
		if actor == SystemActor {
			reason = deadlineReason(st)
		}
		return true, e.escalate(ctx, inst, st, actor, comments, reason, now)
	})
}

// Reassign hands the outstanding seats of an escalated instance's current
// stage to toUsers, one seat each, and resumes the workflow.
func (e *Engine) Reassign(ctx context.Context, instanceID string, seq int, actor string, toUsers []string, comments string) (model.WorkflowInstance, error) {
	return e.mutate(ctx, "reassign", instanceID, func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		if inst.Status.Terminal() {
			return false, model.NewAlreadyTerminalError(inst.ID, inst.Status)
		}
		if inst.Status != model.StatusEscalated {
			return false, model.NewConflictError(fmt.Sprintf("instance %q is not escalated", inst.ID))
		}
		st, err := currentStage(inst, seq)
		if err != nil {
			return false, err
		}

		if !st.Entered() {
			st.Seats = nil
			for _, r := range st.Requirements {
				for range r.Count {
					st.Seats = append(st.Seats, model.Approver{
						SeatID: seatID(st), Role: r.Role, Status: model.SeatPending,
					})
				}
			}
			st.EnteredAt = &now
		}

		var open []int
		for i, seat := range st.Seats {
			if seat.Status == model.SeatPending {
				open = append(open, i)
			}
		}
		if len(toUsers) != len(open) {
			return false, model.NewValidationError([]model.FieldError{{
				Field:   "to_users",
				Code:    "INVALID",
				Message: fmt.Sprintf("stage %d has %d outstanding seat(s), %d user(s) given", seq, len(open), len(toUsers)),
			}})
		}

		scope := scopeOf(inst)
		taken := []string{inst.SubmittedBy}
		for _, seat := range st.Seats {
			if seat.Status != model.SeatPending {
				taken = append(taken, seat.Identity)
			}
		}
		resolved := make([]directory.Resolution, len(open))
		for k, i := range open {
			u := strings.TrimSpace(toUsers[k])
			if u == "" {
				return false, model.NewBadRequestError("to_users must not contain empty entries")
			}
			res := e.resolver.ResolveUser(u, st.Seats[i].Role, now, scope)
			if slices.Contains(taken, res.Identity) {
				return false, model.NewConflictError(fmt.Sprintf("%q cannot take a seat on stage %d", res.Identity, seq))
			}
			taken = append(taken, res.Identity)
			resolved[k] = res
		}

		recipients := make([]string, 0, len(open))
		for k, i := range open {
			seat := &st.Seats[i]
			if seat.Identity != "" {
				seat.EscalatedFrom = seat.Identity
			}
			seat.Nominal = resolved[k].Nominal
			seat.Identity = resolved[k].Identity
			seat.DelegationRuleID = resolved[k].RuleID
			recipients = append(recipients, seat.Identity)
		}

		inst.Status = model.StatusInProgress
		inst.StatusReason = nil
		if st.EscalatedAt == nil {
			st.EscalatedAt = &now
		}
		setDeadline(inst, st, now)

		appendHistory(inst, transition{
			action:   model.ActionReassigned,
			actor:    actor,
			comments: comments,
			stage:    seq,
			toStage:  seq,
		}, now)
		queue(inst, model.NotifyReassigned, seq, actor, recipients, now)
		return true, nil
	})
}

// Cancel withdraws an open instance. Cancelling a cancelled instance is a
// no-op; other terminal instances yield ALREADY_TERMINAL.
func (e *Engine) Cancel(ctx context.Context, instanceID, actor, reason string) (model.WorkflowInstance, error) {
	return e.mutate(ctx, "cancel", instanceID, func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		if inst.Status == model.StatusCancelled {
			return false, nil
		}
		if inst.Status.Terminal() {
			return false, model.NewAlreadyTerminalError(inst.ID, inst.Status)
		}
		seq := 0
		recipients := []string{inst.SubmittedBy}
		if st := inst.CurrentStage(); st != nil {
			seq = st.Sequence
			recipients = append(recipients, pendingIdentities(*inst)...)
		}
		e.finish(inst, model.StatusCancelled, now)
		inst.StatusReason = &model.StatusReason{Code: ReasonCancelled, Message: reason}

		appendHistory(inst, transition{
			action:   model.ActionCancelled,
			actor:    actor,
			comments: reason,
			stage:    seq,
			toStage:  seq,
		}, now)
		queue(inst, model.NotifyCancelled, seq, actor, recipients, now)
		return true, nil
	})
}

// ProcessDeadline applies the timeout policy to an instance whose current
// deadline has lapsed: an unescalated stage is escalated, an escalated one
// expires. It returns the action taken, or "" when nothing was due.
func (e *Engine) ProcessDeadline(ctx context.Context, instanceID string) (model.HistoryAction, error) {
	var action model.HistoryAction
	_, err := e.mutate(ctx, "deadline", instanceID, func(inst *model.WorkflowInstance, now time.Time) (bool, error) {
		if !inst.Status.Open() || inst.CurrentDeadline == nil || now.Before(*inst.CurrentDeadline) {
			return false, nil
		}
		st := inst.CurrentStage()
		if st == nil {
			return false, nil
		}
		if inst.Status == model.StatusEscalated || st.Escalated() {
			action = model.ActionExpired
			e.expire(inst, st, now)
			return true, nil
		}
		action = model.ActionEscalated
		return true, e.escalate(ctx, inst, st, SystemActor, "", deadlineReason(st), now)
	})
	if err != nil {
		return "", err
	}
	return action, nil
}

// Get returns an instance by ID.
func (e *Engine) Get(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return e.store.Get(ctx, instanceID)
}

// List returns instances matching filters.
func (e *Engine) List(ctx context.Context, filters Filters) ([]model.WorkflowInstance, error) {
	return e.store.List(ctx, filters)
}

// HistoryFor returns the history of an instance, oldest first.
func (e *Engine) HistoryFor(ctx context.Context, instanceID string) ([]model.HistoryEntry, error) {
	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst.History, nil
}

// PendingFor lists the open seats identity can act on, directly or as the
// nominal holder of a delegated seat.
func (e *Engine) PendingFor(ctx context.Context, identity string) ([]model.PendingSeat, error) {
	insts, err := e.store.FindPendingFor(ctx, identity)
	if err != nil {
		return nil, err
	}
	var out []model.PendingSeat
	for _, inst := range insts {
		st := inst.CurrentStage()
		if st == nil {
			continue
		}
		for _, seat := range st.Seats {
			if seat.Status != model.SeatPending || (seat.Identity != identity && seat.Nominal != identity) {
				continue
			}
			out = append(out, model.PendingSeat{
				InstanceID: inst.ID,
				DocumentID: inst.Document.DocumentID,
				Stage:      st.Sequence,
				StageName:  st.Name,
				SeatID:     seat.SeatID,
				Role:       seat.Role,
				DeadlineAt: st.DeadlineAt,
			})
		}
	}
	return out, nil
}

// Due returns the IDs of open instances whose deadline lapsed by now.
func (e *Engine) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	insts, err := e.store.FindDue(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	return instanceIDs(insts), nil
}

// Outboxed returns the IDs of instances with undelivered notifications.
func (e *Engine) Outboxed(ctx context.Context, limit int) ([]string, error) {
	insts, err := e.store.FindWithOutbox(ctx, limit)
	if err != nil {
		return nil, err
	}
	return instanceIDs(insts), nil
}

// FlushOutbox delivers an instance's pending notifications in order and
// returns how many were delivered.
func (e *Engine) FlushOutbox(ctx context.Context, instanceID string) (int, error) {
	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	before := len(inst.Outbox)
	e.deliver(ctx, &inst)
	return before - len(inst.Outbox), nil
}

// ReferencesThreshold reports whether an open instance was built from the
// threshold, so the registry can refuse to delete it.
func (e *Engine) ReferencesThreshold(ctx context.Context, thresholdID string) (bool, error) {
	return e.store.ReferencesThreshold(ctx, thresholdID)
}

// mutate runs fn against a fresh copy of the instance under its lock and
// persists the result when fn reports a change.
func (e *Engine) mutate(
	ctx context.Context,
	op, instanceID string,
	fn func(inst *model.WorkflowInstance, now time.Time) (bool, error),
) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow."+op,
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock := e.locks.Lock(instanceID)
	defer unlock()

	inst, err = e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	span.SetAttributes(observability.InstanceAttributes(inst)...)
	prevHistory, prevStatus := len(inst.History), inst.Status

	now := e.clock.Now()
	changed, err := fn(&inst, now)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !changed {
		return inst, nil
	}

	inst.UpdatedAt = now
	if err := e.store.Update(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++
	span.SetAttributes(observability.InstanceAttributes(inst)...)

	e.observe(inst, prevHistory, prevStatus)
	e.deliver(ctx, &inst)
	return inst, nil
}

// observe logs and records metrics for history appended since prevHistory.
func (e *Engine) observe(inst model.WorkflowInstance, prevHistory int, prevStatus model.InstanceStatus) {
	for _, h := range inst.History[prevHistory:] {
		e.metrics.RecordTransition(inst.WorkflowType, h.Action)
		e.logger.Info("workflow transition",
			zap.String("instance_id", inst.ID),
			zap.String("action", string(h.Action)),
			zap.String("action_by", h.ActionBy),
			zap.Int("stage", h.Stage),
			zap.String("status", string(inst.Status)),
		)
	}
	if inst.Status.Terminal() && !prevStatus.Terminal() && inst.CompletedAt != nil {
		e.metrics.RecordCompletion(inst.WorkflowType, inst.Status, inst.CompletedAt.Sub(inst.CreatedAt))
	}
}

// advanceTo enters the stage at idx. When no approvers can be resolved the
// instance is escalated instead.
func (e *Engine) advanceTo(ctx context.Context, inst *model.WorkflowInstance, idx int, now time.Time) error {
	inst.CurrentStageIndex = idx
	st := &inst.Stages[idx]

	seats, err := e.resolveSeats(ctx, inst, st, now)
	if err != nil {
		if !model.IsCode(err, model.ErrNoApproversResolvable) {
			return err
		}
		env, _ := model.AsEnvelope(err)
		e.logger.Warn("no approvers resolvable, escalating",
			zap.String("instance_id", inst.ID),
			zap.Int("stage", st.Sequence),
			zap.String("reason", env.Message),
		)
		st.EscalatedAt = &now
		markEscalated(inst, st, model.StatusReason{Code: env.Code, Message: env.Message}, now)
		appendHistory(inst, transition{
			action:   model.ActionEscalated,
			actor:    SystemActor,
			comments: env.Message,
			stage:    st.Sequence,
			toStage:  st.Sequence,
		}, now)
		queue(inst, model.NotifyEscalated, st.Sequence, SystemActor, []string{inst.SubmittedBy}, now)
		return nil
	}

	st.Seats = seats
	st.EnteredAt = &now
	setDeadline(inst, st, now)

	recipients := make([]string, 0, len(seats))
	for _, s := range seats {
		recipients = append(recipients, s.Identity)
	}
	queue(inst, model.NotifyStageEntered, st.Sequence, SystemActor, recipients, now)
	return nil
}

// resolveSeats fills a stage's seats according to its assignment type. The
// submitter never holds a seat and no identity holds two seats of one stage.
func (e *Engine) resolveSeats(ctx context.Context, inst *model.WorkflowInstance, st *model.ApprovalStage, now time.Time) ([]model.Approver, error) {
	scope := scopeOf(inst)
	taken := []string{inst.SubmittedBy}
	var seats []model.Approver
	add := func(res directory.Resolution) {
		taken = append(taken, res.Identity)
		seats = append(seats, model.Approver{
			SeatID:           fmt.Sprintf("%d-%d", st.Sequence, len(seats)+1),
			Role:             res.Role,
			Nominal:          res.Nominal,
			Identity:         res.Identity,
			DelegationRuleID: res.RuleID,
			Status:           model.SeatPending,
		})
	}

	switch st.AssignmentType {
	case model.AssignUser:
		role := st.Requirements[0].Role
		res := e.resolver.ResolveUser(st.Assignee, role, now, scope)
		if slices.Contains(taken, res.Identity) {
			return nil, model.NewNoApproversResolvableError(role, 1, 0)
		}
		add(res)
	case model.AssignGroup:
		for _, r := range st.Requirements {
			rs, err := e.resolver.ResolveAll(ctx, r.Role, r.Count, now, scope, taken...)
			if err != nil {
				return nil, err
			}
			for _, res := range rs {
				add(res)
			}
		}
	default:
		for _, r := range st.Requirements {
			rs, err := e.resolver.ResolveSeats(ctx, r.Role, r.Count, now, scope, taken...)
			if err != nil {
				return nil, err
			}
			for _, res := range rs {
				add(res)
			}
		}
	}
	return seats, nil
}

// escalate reroutes the pending seats of st to its escalation target. When
// there is no target, or it cannot be resolved, the instance is marked
// escalated with reason.
func (e *Engine) escalate(
	ctx context.Context,
	inst *model.WorkflowInstance,
	st *model.ApprovalStage,
	actor, comments string,
	reason model.StatusReason,
	now time.Time,
) error {
	var open []int
	taken := []string{inst.SubmittedBy}
	for i, seat := range st.Seats {
		if seat.Status == model.SeatPending {
			open = append(open, i)
		} else {
			taken = append(taken, seat.Identity)
		}
	}
	st.EscalatedAt = &now

	if st.EscalateTo != "" && len(open) > 0 {
		rs, err := e.resolver.ResolveSeats(ctx, st.EscalateTo, len(open), now, scopeOf(inst), taken...)
		switch {
		case err == nil:
			recipients := make([]string, 0, len(open))
			for k, i := range open {
				seat := &st.Seats[i]
				seat.EscalatedFrom = seat.Identity
				seat.Nominal = rs[k].Nominal
				seat.Identity = rs[k].Identity
				seat.DelegationRuleID = rs[k].RuleID
				recipients = append(recipients, seat.Identity)
			}
			setDeadline(inst, st, now)
			appendHistory(inst, transition{
				action:   model.ActionEscalated,
				actor:    actor,
				comments: comments,
				stage:    st.Sequence,
				toStage:  st.Sequence,
			}, now)
			queue(inst, model.NotifyEscalated, st.Sequence, actor, recipients, now)
			return nil
		case model.IsCode(err, model.ErrNoApproversResolvable):
			env, _ := model.AsEnvelope(err)
			reason = model.StatusReason{Code: env.Code, Message: env.Message}
		default:
			return err
		}
	}

	markEscalated(inst, st, reason, now)
	if comments == "" {
		comments = reason.Message
	}
	appendHistory(inst, transition{
		action:   model.ActionEscalated,
		actor:    actor,
		comments: comments,
		stage:    st.Sequence,
		toStage:  st.Sequence,
	}, now)
	queue(inst, model.NotifyEscalated, st.Sequence, actor, []string{inst.SubmittedBy}, now)
	return nil
}

func (e *Engine) expire(inst *model.WorkflowInstance, st *model.ApprovalStage, now time.Time) {
	recipients := append([]string{inst.SubmittedBy}, pendingIdentities(*inst)...)
	e.finish(inst, model.StatusExpired, now)
	inst.StatusReason = &model.StatusReason{
		Code:    ReasonDeadlineExceeded,
		Message: fmt.Sprintf("stage %d deadline passed after escalation", st.Sequence),
	}
	appendHistory(inst, transition{
		action:  model.ActionExpired,
		actor:   SystemActor,
		stage:   st.Sequence,
		toStage: st.Sequence,
	}, now)
	queue(inst, model.NotifyExpired, st.Sequence, SystemActor, recipients, now)
}

// finish moves the instance to a terminal status.
func (e *Engine) finish(inst *model.WorkflowInstance, status model.InstanceStatus, now time.Time) {
	inst.Status = status
	inst.CompletedAt = &now
	inst.CurrentDeadline = nil
}

// deliver sends the outbox in order, stopping at the first failure, and
// persists the undelivered remainder. Failures are retried by the scheduler.
func (e *Engine) deliver(ctx context.Context, inst *model.WorkflowInstance) {
	if len(inst.Outbox) == 0 {
		return
	}
	delivered := 0
	for _, n := range inst.Outbox {
		err := e.notifier.Notify(ctx, n)
		e.metrics.RecordNotification(n.Type, err)
		if err != nil {
			e.logger.Warn("notification delivery failed",
				zap.String("instance_id", inst.ID),
				zap.String("notification_id", n.ID),
				zap.String("type", string(n.Type)),
				zap.Error(err),
			)
			break
		}
		delivered++
	}
	if delivered == 0 {
		return
	}

	next := inst.Clone()
	next.Outbox = next.Outbox[delivered:]
	if err := e.store.Update(ctx, next); err != nil {
		e.logger.Warn("persist delivered outbox failed",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
		return
	}
	next.Version++
	*inst = next
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, model.Notification) error { return nil }

type nopMetrics struct{}

func (nopMetrics) RecordSubmission(string, model.InstanceStatus) {}
func (nopMetrics) RecordTransition(string, model.HistoryAction) {}
func (nopMetrics) RecordCompletion(string, model.InstanceStatus, time.Duration) {}
func (nopMetrics) RecordNotification(model.NotificationType, error) {}
