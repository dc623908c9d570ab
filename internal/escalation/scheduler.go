// Package escalation periodically applies SLA deadlines to open approval
// instances and retries undelivered notifications.
package escalation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/ratify/internal/clock"
	"github.com/pitabwire/ratify/model"
)

const (
	defaultInterval    = time.Minute
	defaultBatchSize   = 500
	defaultConcurrency = 8
)

// Engine is the subset of the workflow engine the scheduler drives.
type Engine interface {
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
	ProcessDeadline(ctx context.Context, instanceID string) (model.HistoryAction, error)
	Outboxed(ctx context.Context, limit int) ([]string, error)
	FlushOutbox(ctx context.Context, instanceID string) (int, error)
}

// DelegationExpirer marks delegation rules past their end date as expired.
type DelegationExpirer interface {
	ExpireLapsed(ctx context.Context, now time.Time) (int, error)
}

// Metrics receives scan results.
type Metrics interface {
	RecordEscalationScan(escalated, expired, failed int, elapsed time.Duration)
}

// Config tunes the scheduler.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

// Result summarizes one scan.
type Result struct {
	Escalated          int
	Expired            int
	Failed             int
	Delivered          int
	DelegationsExpired int
}

// Scheduler scans for lapsed deadlines. Each instance is handled under the
// engine's per-instance lock only while its own deadline is processed, so a
// scan never blocks approvals of other instances.
type Scheduler struct {
	engine      Engine
	clock       clock.Clock
	cfg         Config
	logger      *zap.Logger
	delegations DelegationExpirer
	metrics     Metrics

	scanMu sync.Mutex
}

// New creates a Scheduler. Zero config values take defaults.
func New(engine Engine, clk clock.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{engine: engine, clock: clk, cfg: cfg, logger: logger}
}

// SetDelegationExpirer enables expiry of lapsed delegation rules on each scan.
func (s *Scheduler) SetDelegationExpirer(d DelegationExpirer) {
	s.delegations = d
}

// SetMetrics sets the metrics recorder.
func (s *Scheduler) SetMetrics(m Metrics) {
	s.metrics = m
}

// Run scans every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("escalation scheduler started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("escalation scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil {
				s.logger.Error("escalation scan failed", zap.Error(err))
			}
		}
	}
}

// Scan processes every instance whose deadline has lapsed, flushes pending
// outboxes and expires lapsed delegations. Failures on individual instances
// are logged and counted; only listing failures abort the scan.
func (s *Scheduler) Scan(ctx context.Context) (Result, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	start := s.clock.Now()
	var res Result

	due, err := s.engine.Due(ctx, start, s.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	var escalated, expired, failed, delivered atomic.Int64
	s.each(ctx, due, func(ctx context.Context, id string) {
		action, err := s.engine.ProcessDeadline(ctx, id)
		if err != nil {
			failed.Add(1)
			s.logger.Warn("deadline processing failed",
				zap.String("instance_id", id),
				zap.Error(err),
			)
			return
		}
		switch action {
		case model.ActionEscalated:
			escalated.Add(1)
		case model.ActionExpired:
			expired.Add(1)
		}
	})

	pending, err := s.engine.Outboxed(ctx, s.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	s.each(ctx, pending, func(ctx context.Context, id string) {
		n, err := s.engine.FlushOutbox(ctx, id)
		if err != nil {
			s.logger.Warn("outbox flush failed", zap.String("instance_id", id), zap.Error(err))
		}
		delivered.Add(int64(n))
	})

	if s.delegations != nil {
		n, err := s.delegations.ExpireLapsed(ctx, start)
		if err != nil {
			s.logger.Warn("delegation expiry failed", zap.Error(err))
		}
		res.DelegationsExpired = n
	}

	res.Escalated = int(escalated.Load())
	res.Expired = int(expired.Load())
	res.Failed = int(failed.Load())
	res.Delivered = int(delivered.Load())

	elapsed := s.clock.Now().Sub(start)
	if s.metrics != nil {
		s.metrics.RecordEscalationScan(res.Escalated, res.Expired, res.Failed, elapsed)
	}
	if len(due) > 0 || res.Delivered > 0 || res.DelegationsExpired > 0 {
		s.logger.Info("escalation scan complete",
			zap.Int("due", len(due)),
			zap.Int("escalated", res.Escalated),
			zap.Int("expired", res.Expired),
			zap.Int("failed", res.Failed),
			zap.Int("delivered", res.Delivered),
			zap.Int("delegations_expired", res.DelegationsExpired),
		)
	}
	return res, nil
}

// each runs fn for every id with bounded concurrency.
func (s *Scheduler) each(ctx context.Context, ids []string, fn func(ctx context.Context, id string)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			fn(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}
