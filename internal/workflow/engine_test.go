package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/pitabwire/ratify/internal/clock"
	"github.com/pitabwire/ratify/internal/directory"
	"github.com/pitabwire/ratify/internal/observability"
	"github.com/pitabwire/ratify/internal/threshold"
	"github.com/pitabwire/ratify/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []model.Notification
	fail  error
	calls int
}

func (n *recordingNotifier) Notify(_ context.Context, note model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *recordingNotifier) setFail(err error) {
	n.mu.Lock()
	n.fail = err
	n.mu.Unlock()
}

func (n *recordingNotifier) types() []model.NotificationType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.NotificationType, len(n.sent))
	for i, s := range n.sent {
		out[i] = s.Type
	}
	return out
}

type harness struct {
	engine *Engine
	store  *MemoryStore
	reg    *threshold.Registry
	clk    *clock.Fake
	notes  *recordingNotifier
}

func newHarness(t *testing.T, roles map[string][]string, rules ...model.DelegationRule) *harness {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(t0)

	reg := threshold.NewRegistry(threshold.NewMemoryStore(), clk, zap.NewNop())
	if err := reg.Reload(ctx); err != nil {
		t.Fatalf("registry Reload: %v", err)
	}

	delegations := directory.NewMemoryDelegationStore()
	for _, r := range rules {
		if err := delegations.Create(ctx, r); err != nil {
			t.Fatalf("seed delegation %s: %v", r.ID, err)
		}
	}
	resolver := directory.NewResolver(directory.NewStaticDirectoryFromMap(roles), delegations, zap.NewNop())
	if err := resolver.Reload(ctx); err != nil {
		t.Fatalf("resolver Reload: %v", err)
	}

	store := NewMemoryStore()
	engine := NewEngine(store, reg, resolver, clk, zap.NewNop())
	notes := &recordingNotifier{}
	engine.SetNotifier(notes)
	reg.SetReferenceChecker(engine)

	return &harness{engine: engine, store: store, reg: reg, clk: clk, notes: notes}
}

func (h *harness) threshold(t *testing.T, th model.Threshold) model.Threshold {
	t.Helper()
	if th.Name == "" {
		th.Name = th.ID
	}
	if th.Priority == "" {
		th.Priority = model.PriorityHigh
	}
	if th.Condition.Field == "" {
		th.Condition = model.Condition{
			Field: "amount", Operator: model.OpGreaterThan,
			Value: model.NumberOperand(decimal.NewFromInt(50000)),
		}
	}
	created, err := h.reg.Create(context.Background(), th)
	if err != nil {
		t.Fatalf("create threshold %s: %v", th.ID, err)
	}
	return created
}

func (h *harness) submit(t *testing.T, docID string, amount int64) model.WorkflowInstance {
	t.Helper()
	inst, err := h.engine.SubmitDocument(context.Background(), model.Document{
		DocumentID:   docID,
		DocumentType: "invoice",
		Amount:       decimal.NewFromInt(amount),
	}, "sam")
	if err != nil {
		t.Fatalf("SubmitDocument(%s): %v", docID, err)
	}
	return inst
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if !model.IsCode(err, code) {
		t.Fatalf("error = %v, want %s", err, code)
	}
}

func seq(roles ...string) []model.ApproverRequirement {
	out := make([]model.ApproverRequirement, len(roles))
	for i, r := range roles {
		out[i] = model.ApproverRequirement{Role: r, Count: 1}
	}
	return out
}

func TestEngine_twoStageRejectedFlow(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}, "cfo": {"carol"}})
	h.threshold(t, model.Threshold{ID: "large", RequiredApprovers: seq("sales_manager", "cfo")})
	ctx := context.Background()

	inst := h.submit(t, "inv-1", 75000)
	if len(inst.Stages) != 2 {
		t.Fatalf("stages = %d, want 2", len(inst.Stages))
	}
	if inst.Status != model.StatusInProgress || inst.CurrentStageIndex != 0 {
		t.Fatalf("after submit: status=%s index=%d", inst.Status, inst.CurrentStageIndex)
	}

	h.clk.Advance(2 * time.Hour)
	inst, err := h.engine.Approve(ctx, inst.ID, 1, "alice", "")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if inst.CurrentStageIndex != 1 {
		t.Errorf("CurrentStageIndex = %d, want 1", inst.CurrentStageIndex)
	}

	inst, err = h.engine.Reject(ctx, inst.ID, 2, "carol", "over budget")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if inst.Status != model.StatusRejected {
		t.Errorf("Status = %s, want rejected", inst.Status)
	}
	if len(inst.History) != 2 {
		t.Fatalf("history = %d entries, want 2", len(inst.History))
	}
	first, second := inst.History[0], inst.History[1]
	if first.Action != model.ActionApproved || first.ActionBy != "alice" || first.FromStage != 1 || first.ToStage != 2 {
		t.Errorf("history[0] = %+v", first)
	}
	if first.DurationSinceStageStart != 2*time.Hour {
		t.Errorf("history[0] duration = %v, want 2h", first.DurationSinceStageStart)
	}
	if second.Action != model.ActionRejected || second.Comments != "over budget" {
		t.Errorf("history[1] = %+v", second)
	}
	if inst.CompletedAt == nil || inst.CurrentDeadline != nil {
		t.Errorf("CompletedAt = %v, CurrentDeadline = %v", inst.CompletedAt, inst.CurrentDeadline)
	}
}

func TestEngine_rejectStopsLaterStages(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}, "cfo": {"carol"}})
	h.threshold(t, model.Threshold{ID: "large", RequiredApprovers: seq("sales_manager", "cfo")})

	inst := h.submit(t, "inv-1", 75000)
	inst, err := h.engine.Reject(context.Background(), inst.ID, 1, "alice", "wrong vendor")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if len(inst.Stages[1].Seats) != 0 || inst.Stages[1].Entered() {
		t.Errorf("stage 2 was entered after rejection: %+v", inst.Stages[1])
	}
}

func TestEngine_slaLapseWithoutTargetEscalates(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}})
	h.threshold(t, model.Threshold{ID: "sla", RequiredApprovers: []model.ApproverRequirement{
		{Role: "sales_manager", Count: 1, SLAHours: 24},
	}})
	ctx := context.Background()

	inst := h.submit(t, "inv-1", 75000)
	if inst.CurrentDeadline == nil || !inst.CurrentDeadline.Equal(t0.Add(24*time.Hour)) {
		t.Fatalf("CurrentDeadline = %v, want t0+24h", inst.CurrentDeadline)
	}

	h.clk.Advance(25 * time.Hour)
	due, err := h.engine.Due(ctx, h.clk.Now(), 0)
	if err != nil || len(due) != 1 {
		t.Fatalf("Due() = %v, %v; want one instance", due, err)
	}
	action, err := h.engine.ProcessDeadline(ctx, inst.ID)
	if err != nil {
		t.Fatalf("ProcessDeadline: %v", err)
	}
	if action != model.ActionEscalated {
		t.Errorf("action = %q, want escalated", action)
	}

	got, _ := h.engine.Get(ctx, inst.ID)
	if got.Status != model.StatusEscalated {
		t.Errorf("Status = %s, want escalated", got.Status)
	}
	if got.StatusReason == nil || got.StatusReason.Code != ReasonDeadlineExceeded {
		t.Errorf("StatusReason = %+v", got.StatusReason)
	}
	if n := len(got.History); n != 1 || got.History[0].ActionBy != SystemActor {
		t.Errorf("history = %+v, want one system escalation", got.History)
	}

	// The seat holder lost the race to the escalation; anyone else is
	// refused until the instance is reassigned.
	_, err = h.engine.Approve(ctx, inst.ID, 1, "alice", "")
	wantCode(t, err, model.ErrAlreadyResolved)
	_, err = h.engine.Approve(ctx, inst.ID, 1, "mallory", "")
	wantCode(t, err, model.ErrWorkflowNotActive)
}

func TestEngine_processDeadlineBeforeDueIsNoop(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}})
	h.threshold(t, model.Threshold{ID: "sla", RequiredApprovers: []model.ApproverRequirement{
		{Role: "sales_manager", Count: 1, SLAHours: 24},
	}})
	inst := h.submit(t, "inv-1", 75000)

	h.clk.Advance(23 * time.Hour)
	action, err := h.engine.ProcessDeadline(context.Background(), inst.ID)
	if err != nil || action != "" {
		t.Fatalf("ProcessDeadline() = %q, %v; want no-op", action, err)
	}
}

func TestEngine_nominalAndDelegateRace(t *testing.T) {
	rule := model.DelegationRule{
		ID: "d1", FromUser: "carol", ToUser: "dave",
		StartDate: t0.Add(-time.Hour), EndDate: t0.Add(7 * 24 * time.Hour),
		Status: model.DelegationActive,
	}
	h := newHarness(t, map[string][]string{"cfo": {"carol"}}, rule)
	h.threshold(t, model.Threshold{ID: "cfo-only", RequiredApprovers: seq("cfo")})
	ctx := context.Background()

	inst := h.submit(t, "inv-1", 75000)
	seat := inst.Stages[0].Seats[0]
	if seat.Nominal != "carol" || seat.Identity != "dave" || seat.DelegationRuleID != "d1" {
		t.Fatalf("seat = %+v, want carol delegated to dave via d1", seat)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, who := range []string{"carol", "dave"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.Approve(ctx, inst.ID, 1, who, "")
		}()
	}
	wg.Wait()

	var ok, resolved int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case model.IsCode(err, model.ErrAlreadyResolved):
			resolved++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || resolved != 1 {
		t.Fatalf("successes=%d already_resolved=%d, want 1 and 1", ok, resolved)
	}

	got, _ := h.engine.Get(ctx, inst.ID)
	if got.Status != model.StatusApproved || len(got.History) != 1 {
		t.Errorf("status=%s history=%d, want approved with one entry", got.Status, len(got.History))
	}
}

func TestEngine_lastSeatRaceAdvancesOnce(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice", "bob"}, "cfo": {"carol"}})
	h.threshold(t, model.Threshold{ID: "two-step", RequiredApprovers: []model.ApproverRequirement{
		{Role: "sales_manager", Count: 2},
		{Role: "cfo", Count: 1},
	}})
	ctx := context.Background()
	inst := h.submit(t, "inv-1", 75000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, who := range []string{"alice", "bob"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.Approve(ctx, inst.ID, 1, who, "")
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
	}

	got, _ := h.engine.Get(ctx, inst.ID)
	if got.Status != model.StatusInProgress || got.CurrentStageIndex != 1 {
		t.Fatalf("status=%s index=%d, want in_progress at stage 2", got.Status, got.CurrentStageIndex)
	}
	if n := len(got.Stages[1].Seats); n != 1 || got.Stages[1].Seats[0].Identity != "carol" {
		t.Errorf("stage 2 seats = %+v, want one seat for carol", got.Stages[1].Seats)
	}
	approvedBy := map[string]int{}
	for _, e := range got.History {
		if e.Action == model.ActionApproved && e.Stage == 1 {
			approvedBy[e.ActionBy]++
		}
	}
	if len(got.History) != 2 || approvedBy["alice"] != 1 || approvedBy["bob"] != 1 {
		t.Errorf("history = %+v, want one approval each from alice and bob", got.History)
	}

	entered := 0
	h.notes.mu.Lock()
	for _, n := range h.notes.sent {
		if n.Type == model.NotifyStageEntered && n.Stage == 2 {
			entered++
		}
	}
	h.notes.mu.Unlock()
	if entered != 1 {
		t.Errorf("stage 2 entered %d times, want 1", entered)
	}
}

func TestEngine_approveAndEscalateRace(t *testing.T) {
	for range 20 {
		h := newHarness(t, map[string][]string{"cfo": {"carol"}, "ceo": {"erin"}})
		h.threshold(t, model.Threshold{ID: "two-step", RequiredApprovers: []model.ApproverRequirement{
			{Role: "cfo", Count: 1, SLAHours: 24},
			{Role: "ceo", Count: 1},
		}})
		ctx := context.Background()
		inst := h.submit(t, "inv-1", 75000)

		var wg sync.WaitGroup
		var approveErr, escalateErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, approveErr = h.engine.Approve(ctx, inst.ID, 1, "carol", "")
		}()
		go func() {
			defer wg.Done()
			_, escalateErr = h.engine.Escalate(ctx, inst.ID, 1, "sam", "stuck")
		}()
		wg.Wait()

		got, _ := h.engine.Get(ctx, inst.ID)
		switch {
		case approveErr == nil:
			wantCode(t, escalateErr, model.ErrAlreadyResolved)
			if got.Status != model.StatusInProgress || got.CurrentStageIndex != 1 {
				t.Fatalf("approve won: status=%s index=%d", got.Status, got.CurrentStageIndex)
			}
		case escalateErr == nil:
			wantCode(t, approveErr, model.ErrAlreadyResolved)
			if got.Status != model.StatusEscalated || got.CurrentStageIndex != 0 {
				t.Fatalf("escalate won: status=%s index=%d", got.Status, got.CurrentStageIndex)
			}
		default:
			t.Fatalf("both failed: approve=%v escalate=%v", approveErr, escalateErr)
		}
		if len(got.History) != 1 {
			t.Errorf("history = %+v, want exactly one entry", got.History)
		}
	}
}

func TestEngine_systemIdentityCannotDecide(t *testing.T) {
	h := newHarness(t, map[string][]string{"cfo": {SystemActor}})
	h.threshold(t, model.Threshold{ID: "cfo-only", RequiredApprovers: seq("cfo")})
	ctx := context.Background()
	inst := h.submit(t, "inv-1", 75000)

	_, err := h.engine.Approve(ctx, inst.ID, 1, SystemActor, "")
	wantCode(t, err, model.ErrNotAuthorized)
	_, err = h.engine.Reject(ctx, inst.ID, 1, SystemActor, "no")
	wantCode(t, err, model.ErrNotAuthorized)
	_, err = h.engine.Delegate(ctx, inst.ID, 1, SystemActor, "dave", "")
	wantCode(t, err, model.ErrNotAuthorized)

	got, _ := h.engine.Get(ctx, inst.ID)
	if len(got.History) != 0 {
		t.Errorf("history = %+v, want none", got.History)
	}
}

func TestEngine_decisionSpanDescribesInstance(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}, "cfo": {"carol"}})
	h.threshold(t, model.Threshold{ID: "two-step", RequiredApprovers: seq("sales_manager", "cfo")})
	inst := h.submit(t, "inv-1", 75000)
	if _, err := h.engine.Approve(context.Background(), inst.ID, 1, "alice", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name != "workflow.approve" {
			continue
		}
		found = true
		attrs := map[attribute.Key]string{}
		for _, kv := range s.Attributes {
			attrs[kv.Key] = kv.Value.Emit()
		}
		if attrs[observability.AttrWorkflowType] != "invoice" {
			t.Errorf("workflow type = %q, want invoice", attrs[observability.AttrWorkflowType])
		}
		if attrs[observability.AttrStage] != "2" || attrs[observability.AttrStatus] != "in_progress" {
			t.Errorf("stage=%q status=%q, want stage 2 in_progress after approval",
				attrs[observability.AttrStage], attrs[observability.AttrStatus])
		}
	}
	if !found {
		t.Fatal("no workflow.approve span recorded")
	}
}

func TestEngine_delegateRecordedOnHistory(t *testing.T) {
	rule := model.DelegationRule{
		ID: "d1", FromUser: "carol", ToUser: "dave",
		StartDate: t0.Add(-time.Hour), EndDate: t0.Add(time.Hour),
		Status: model.DelegationActive,
	}
	h := newHarness(t, map[string][]string{"cfo": {"carol"}}, rule)
	h.threshold(t, model.Threshold{ID: "cfo-only", RequiredApprovers: seq("cfo")})

	inst := h.submit(t, "inv-1", 75000)
	inst, err := h.engine.Approve(context.Background(), inst.ID, 1, "dave", "ok")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got := inst.History[0].DelegationRuleID; got != "d1" {
		t.Errorf("DelegationRuleID = %q, want d1", got)
	}
}

func TestEngine_noStagesApprovedImmediately(t *testing.T) {
	h := newHarness(t, nil)
	inst := h.submit(t, "inv-small", 10)

	if inst.Status != model.StatusApproved {
		t.Fatalf("Status = %s, want approved", inst.Status)
	}
	if inst.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if got := h.notes.types(); len(got) != 1 || got[0] != model.NotifyApproved {
		t.Errorf("notifications = %v, want [approved]", got)
	}
}

func TestEngine_terminalInstanceGainsNoHistory(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice", "bob"}})
	h.threshold(t, model.Threshold{ID: "two", RequiredApprovers: []model.ApproverRequirement{{Role: "sales_manager", Count: 2}}})
	ctx := context.Background()

	inst := h.submit(t, "inv-1", 75000)
	if _, err := h.engine.Reject(ctx, inst.ID, 1, "alice", "no"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	_, err := h.engine.Approve(ctx, inst.ID, 1, "bob", "")
	wantCode(t, err, model.ErrAlreadyTerminal)
	_, err = h.engine.Cancel(ctx, inst.ID, "sam", "withdrawn")
	wantCode(t, err, model.ErrAlreadyTerminal)
	_, err = h.engine.Escalate(ctx, inst.ID, 1, "admin", "")
	wantCode(t, err, model.ErrAlreadyTerminal)

	got, _ := h.engine.Get(ctx, inst.ID)
	if len(got.History) != 1 {
		t.Errorf("history = %d entries, want 1", len(got.History))
	}
}

func TestEngine_escalateIsIdempotent(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}, "director": {"erin"}})
	h.threshold(t, model.Threshold{ID: "esc", RequiredApprovers: []model.ApproverRequirement{
		{Role: "sales_manager", Count: 1, SLAHours: 24, EscalateTo: "director"},
	}})
	ctx := context.Background()

	inst := h.submit(t, "inv-1", 75000)
	inst, err := h.engine.Escalate(ctx, inst.ID, 1, "admin", "urgent")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if _, err := h.engine.Escalate(ctx, inst.ID, 1, "admin", "again"); err != nil {
		t.Fatalf("second Escalate: %v", err)
	}

	got, _ := h.engine.Get(ctx, inst.ID)
	if len(got.History) != 1 || got.History[0].Action != model.ActionEscalated {
		t.Fatalf("history = %+v, want exactly one escalation", got.History)
	}
	seat := got.Stages[0].Seats[0]
	if seat.Identity != "erin" || seat.EscalatedFrom != "alice" {
		t.Errorf("seat = %+v, want rerouted from alice to erin", seat)
	}
	if got.Status != model.StatusInProgress {
		t.Errorf("Status = %s, want in_progress", got.Status)
	}

	_, err = h.engine.Approve(ctx, inst.ID, 1, "alice", "")
	wantCode(t, err, model.ErrAlreadyResolved)

	got, err = h.engine.Approve(ctx, inst.ID, 1, "erin", "")
	if err != nil {
		t.Fatalf("Approve by escalation target: %v", err)
	}
	if got.Status != model.StatusApproved {
		t.Errorf("Status = %s, want approved", got.Status)
	}
}

func TestEngine_escalatedStageExpires(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}, "director": {"erin"}})
	h.threshold(t, model.Threshold{ID: "esc", RequiredApprovers: []model.ApproverRequirement{
		{Role: "sales_manager", Count: 1, SLAHours: 24, EscalateTo: "director"},
	}})
	ctx := context.Background()
	inst := h.submit(t, "inv-1", 75000)

	h.clk.Advance(25 * time.Hour)
	if action, err := h.engine.ProcessDeadline(ctx, inst.ID); err != nil || action != model.ActionEscalated {
		t.Fatalf("first deadline = %q, %v; want escalated", action, err)
	}
	h.clk.Advance(25 * time.Hour)
	if action, err := h.engine.ProcessDeadline(ctx, inst.ID); err != nil || action != model.ActionExpired {
		t.Fatalf("second deadline = %q, %v; want expired", action, err)
	}

	got, _ := h.engine.Get(ctx, inst.ID)
	if got.Status != model.StatusExpired {
		t.Errorf("Status = %s, want expired", got.Status)
	}
	if len(got.History) != 2 {
		t.Errorf("history = %d entries, want 2", len(got.History))
	}
}

func TestEngine_rejectRequiresComments(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}})
	h.threshold(t, model.Threshold{ID: "one", RequiredApprovers: seq("sales_manager")})
	inst := h.submit(t, "inv-1", 75000)

	_, err := h.engine.Reject(context.Background(), inst.ID, 1, "alice", "   ")
	wantCode(t, err, model.ErrMissingJustification)
}

func TestEngine_authorization(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"sam", "alice"}, "cfo": {"carol"}})
	h.threshold(t, model.Threshold{ID: "large", RequiredApprovers: seq("sales_manager", "cfo")})
	ctx := context.Background()

	inst := h.submit(t, "inv-1", 75000)
	if got := inst.Stages[0].Seats[0].Identity; got != "alice" {
		t.Fatalf("seat identity = %q, want alice (submitter excluded)", got)
	}

	_, err := h.engine.Approve(ctx, inst.ID, 1, "sam", "")
	wantCode(t, err, model.ErrNotAuthorized)
	_, err = h.engine.Approve(ctx, inst.ID, 1, "mallory", "")
	wantCode(t, err, model.ErrNotAuthorized)
	_, err = h.engine.Approve(ctx, inst.ID, 2, "carol", "")
	wantCode(t, err, model.ErrNotAuthorized)
	_, err = h.engine.Approve(ctx, inst.ID, 3, "carol", "")
	wantCode(t, err, model.ErrNotFound)

	if _, err := h.engine.Approve(ctx, inst.ID, 1, "alice", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	_, err = h.engine.Approve(ctx, inst.ID, 1, "alice", "")
	wantCode(t, err, model.ErrAlreadyResolved)
}

func TestEngine_parallelStageNeedsEachRole(t *testing.T) {
	h := newHarness(t, map[string][]string{"finance": {"fay"}, "legal": {"lee", "lou"}})
	h.threshold(t, model.Threshold{
		ID:       "dual",
		Parallel: true,
		RequiredApprovers: []model.ApproverRequirement{
			{Role: "finance", Count: 1},
			{Role: "legal", Count: 2},
		},
	})
	ctx := context.Background()

	inst := h.submit(t, "inv-1", 75000)
	if len(inst.Stages) != 1 || len(inst.Stages[0].Seats) != 3 {
		t.Fatalf("stages = %+v, want one stage with three seats", inst.Stages)
	}

	inst, err := h.engine.Approve(ctx, inst.ID, 1, "lee", "")
	if err != nil {
		t.Fatalf("Approve lee: %v", err)
	}
	if inst.Status != model.StatusInProgress {
		t.Fatalf("Status = %s after one role, want in_progress", inst.Status)
	}
	inst, err = h.engine.Approve(ctx, inst.ID, 1, "fay", "")
	if err != nil {
		t.Fatalf("Approve fay: %v", err)
	}
	if inst.Status != model.StatusApproved {
		t.Errorf("Status = %s, want approved once every role approved", inst.Status)
	}
}

func TestEngine_groupAndUserAssignment(t *testing.T) {
	h := newHarness(t, map[string][]string{"board": {"b1", "b2", "b3"}})
	ctx := context.Background()

	inst, err := h.engine.Submit(ctx, SubmitRequest{
		Document:    model.Document{DocumentID: "cap-1", DocumentType: "capex", Amount: decimal.NewFromInt(1)},
		SubmittedBy: "sam",
		Stages: []model.StageTemplate{
			{Name: "board", AssignmentType: model.AssignGroup, Requirements: []model.StageRequirement{{Role: "board", Count: 2}}},
			{Name: "controller", AssignmentType: model.AssignUser, Assignee: "uma"},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n := len(inst.Stages[0].Seats); n != 3 {
		t.Fatalf("group seats = %d, want 3", n)
	}

	inst, _ = h.engine.Approve(ctx, inst.ID, 1, "b1", "")
	if inst.CurrentStageIndex != 0 {
		t.Fatalf("advanced after one of two group approvals")
	}
	inst, err = h.engine.Approve(ctx, inst.ID, 1, "b3", "")
	if err != nil {
		t.Fatalf("Approve b3: %v", err)
	}
	if inst.CurrentStageIndex != 1 || inst.Stages[1].Seats[0].Identity != "uma" {
		t.Fatalf("stage 2 = %+v, want uma seated", inst.Stages[1])
	}
	inst, err = h.engine.Approve(ctx, inst.ID, 2, "uma", "")
	if err != nil || inst.Status != model.StatusApproved {
		t.Fatalf("Approve uma = %s, %v; want approved", inst.Status, err)
	}
}

func TestEngine_noApproversEscalatesThenReassign(t *testing.T) {
	h := newHarness(t, map[string][]string{})
	h.threshold(t, model.Threshold{ID: "ghost", RequiredApprovers: seq("ghost_role")})
	ctx := context.Background()

	inst := h.submit(t, "inv-1", 75000)
	if inst.Status != model.StatusEscalated {
		t.Fatalf("Status = %s, want escalated", inst.Status)
	}
	if inst.StatusReason == nil || inst.StatusReason.Code != model.ErrNoApproversResolvable {
		t.Fatalf("StatusReason = %+v", inst.StatusReason)
	}

	_, err := h.engine.Reassign(ctx, inst.ID, 1, "admin", []string{"zed", "zoe"}, "")
	wantCode(t, err, model.ErrValidationError)

	inst, err = h.engine.Reassign(ctx, inst.ID, 1, "admin", []string{"zed"}, "covering")
	if err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	if inst.Status != model.StatusInProgress || inst.StatusReason != nil {
		t.Fatalf("after reassign: status=%s reason=%+v", inst.Status, inst.StatusReason)
	}
	inst, err = h.engine.Approve(ctx, inst.ID, 1, "zed", "")
	if err != nil || inst.Status != model.StatusApproved {
		t.Fatalf("Approve zed = %s, %v", inst.Status, err)
	}
	actions := []model.HistoryAction{model.ActionEscalated, model.ActionReassigned, model.ActionApproved}
	for i, a := range actions {
		if inst.History[i].Action != a {
			t.Errorf("history[%d] = %s, want %s", i, inst.History[i].Action, a)
		}
	}
}

func TestEngine_cancel(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}})
	h.threshold(t, model.Threshold{ID: "one", RequiredApprovers: seq("sales_manager")})
	ctx := context.Background()

	inst := h.submit(t, "inv-1", 75000)
	_, err := h.engine.SubmitDocument(ctx, model.Document{DocumentID: "inv-1", Amount: decimal.NewFromInt(75000)}, "sam")
	wantCode(t, err, model.ErrConflict)

	inst, err = h.engine.Cancel(ctx, inst.ID, "sam", "duplicate")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if inst.Status != model.StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", inst.Status)
	}
	again, err := h.engine.Cancel(ctx, inst.ID, "sam", "duplicate")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if len(again.History) != 1 {
		t.Errorf("history = %d entries after repeated cancel, want 1", len(again.History))
	}

	// The document can be resubmitted once its instance is closed.
	h.submit(t, "inv-1", 75000)
}

func TestEngine_pendingForIncludesNominal(t *testing.T) {
	rule := model.DelegationRule{
		ID: "d1", FromUser: "carol", ToUser: "dave",
		StartDate: t0.Add(-time.Hour), EndDate: t0.Add(time.Hour),
		Status: model.DelegationActive,
	}
	h := newHarness(t, map[string][]string{"cfo": {"carol"}}, rule)
	h.threshold(t, model.Threshold{ID: "cfo-only", RequiredApprovers: seq("cfo")})
	ctx := context.Background()
	inst := h.submit(t, "inv-1", 75000)

	for _, who := range []string{"carol", "dave"} {
		seats, err := h.engine.PendingFor(ctx, who)
		if err != nil {
			t.Fatalf("PendingFor(%s): %v", who, err)
		}
		if len(seats) != 1 || seats[0].InstanceID != inst.ID || seats[0].Role != "cfo" {
			t.Errorf("PendingFor(%s) = %+v", who, seats)
		}
	}
	if seats, _ := h.engine.PendingFor(ctx, "alice"); len(seats) != 0 {
		t.Errorf("PendingFor(alice) = %+v, want none", seats)
	}
}

func TestEngine_outboxRetriedAfterFailure(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}})
	h.threshold(t, model.Threshold{ID: "one", RequiredApprovers: seq("sales_manager")})
	ctx := context.Background()

	h.notes.setFail(errors.New("broker down"))
	inst := h.submit(t, "inv-1", 75000)
	if len(inst.Outbox) != 1 {
		t.Fatalf("outbox = %d, want 1 undelivered", len(inst.Outbox))
	}

	ids, err := h.engine.Outboxed(ctx, 0)
	if err != nil || len(ids) != 1 {
		t.Fatalf("Outboxed() = %v, %v", ids, err)
	}

	h.notes.setFail(nil)
	n, err := h.engine.FlushOutbox(ctx, inst.ID)
	if err != nil || n != 1 {
		t.Fatalf("FlushOutbox() = %d, %v; want 1", n, err)
	}
	got, _ := h.engine.Get(ctx, inst.ID)
	if len(got.Outbox) != 0 {
		t.Errorf("outbox = %d after flush, want 0", len(got.Outbox))
	}
	if types := h.notes.types(); len(types) != 1 || types[0] != model.NotifyStageEntered {
		t.Errorf("delivered = %v, want [stage_entered]", types)
	}
}

func TestEngine_notificationsOrdered(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}, "cfo": {"carol"}})
	h.threshold(t, model.Threshold{ID: "large", RequiredApprovers: seq("sales_manager", "cfo")})
	ctx := context.Background()

	inst := h.submit(t, "inv-1", 75000)
	if _, err := h.engine.Approve(ctx, inst.ID, 1, "alice", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	want := []model.NotificationType{model.NotifyStageEntered, model.NotifyApproved, model.NotifyStageEntered}
	got := h.notes.types()
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	h.notes.mu.Lock()
	defer h.notes.mu.Unlock()
	for i, n := range h.notes.sent {
		if n.Sequence != int64(i+1) {
			t.Errorf("notification[%d].Sequence = %d", i, n.Sequence)
		}
	}
}

func TestEngine_thresholdReferencedByOpenInstance(t *testing.T) {
	h := newHarness(t, map[string][]string{"sales_manager": {"alice"}})
	h.threshold(t, model.Threshold{ID: "one", RequiredApprovers: seq("sales_manager")})
	ctx := context.Background()

	inst := h.submit(t, "inv-1", 75000)
	wantCode(t, h.reg.Delete(ctx, "one"), model.ErrConflict)

	if _, err := h.engine.Approve(ctx, inst.ID, 1, "alice", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := h.reg.Delete(ctx, "one"); err != nil {
		t.Errorf("Delete after close: %v", err)
	}
}

func TestEngine_submitValidation(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Submit(context.Background(), SubmitRequest{
		Document: model.Document{DocumentID: ""},
		Stages:   []model.StageTemplate{{Name: "x", AssignmentType: model.AssignUser}},
	})
	wantCode(t, err, model.ErrValidationError)
	env, _ := model.AsEnvelope(err)
	if len(env.Details) != 2 {
		t.Errorf("details = %+v, want document_id and assignee", env.Details)
	}
}

func TestKeyedMutex_releasesEntries(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if n := k.held(); n != 0 {
		t.Errorf("held() = %d, want 0", n)
	}
}
