package notify

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/ratify/model"
)

type sinkFunc func(context.Context, model.Notification) error

func (f sinkFunc) Notify(ctx context.Context, n model.Notification) error { return f(ctx, n) }

func testNotification() model.Notification {
	return model.Notification{
		ID:         "wf-1-3",
		InstanceID: "wf-1",
		DocumentID: "inv-42",
		Type:       model.NotifyStageEntered,
		Stage:      1,
		Status:     model.StatusInProgress,
		Recipients: []string{"alice"},
		OccurredAt: t0,
		Sequence:   3,
	}
}

func TestLogNotifier_logsNotification(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	if err := n.Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	entries := logs.FilterMessage("notification").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["notification_id"] != "wf-1-3" || fields["type"] != "stage_entered" {
		t.Errorf("fields = %v", fields)
	}
}

func TestFanout_deliversToAllAndJoinsErrors(t *testing.T) {
	var calls []string
	ok := sinkFunc(func(_ context.Context, n model.Notification) error {
		calls = append(calls, "ok:"+n.ID)
		return nil
	})
	bad := sinkFunc(func(_ context.Context, n model.Notification) error {
		calls = append(calls, "bad:"+n.ID)
		return errSink
	})

	err := Fanout{bad, ok}.Notify(context.Background(), testNotification())
	if !errors.Is(err, errSink) {
		t.Errorf("error = %v, want errSink", err)
	}
	if len(calls) != 2 || calls[1] != "ok:wf-1-3" {
		t.Errorf("calls = %v, want both sinks called", calls)
	}

	if err := (Fanout{ok}).Notify(context.Background(), testNotification()); err != nil {
		t.Errorf("all sinks ok: error = %v", err)
	}
}
