// Package notify delivers workflow notifications to external sinks.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/ratify/model"
)

// Notifier delivers one notification. Delivery is at least once; consumers
// deduplicate on the notification ID.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs n.
func (l *LogNotifier) Notify(_ context.Context, n model.Notification) error {
	l.logger.Info("notification",
		zap.String("notification_id", n.ID),
		zap.String("instance_id", n.InstanceID),
		zap.String("document_id", n.DocumentID),
		zap.String("type", string(n.Type)),
		zap.Int("stage", n.Stage),
		zap.String("status", string(n.Status)),
		zap.Strings("recipients", n.Recipients),
		zap.Int64("sequence", n.Sequence),
	)
	return nil
}

// Fanout delivers to every sink. It fails if any sink fails, so the
// notification stays in the outbox and is retried on all sinks.
type Fanout []Notifier

// Notify delivers n to each sink in order.
func (f Fanout) Notify(ctx context.Context, n model.Notification) error {
	var errs []error
	for i, sink := range f {
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
