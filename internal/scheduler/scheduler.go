// Package scheduler starts scan cycles on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/tgscan/internal/logging"
	"github.com/JakeFAU/tgscan/internal/scan"
)

// Starter begins a cycle without waiting for it.
type Starter interface {
	Begin(ctx context.Context) (scan.CycleInfo, error)
}

// Scheduler triggers cycles on a cron spec ("*/30 * * * *", "@every 1h").
// A tick that finds a cycle running is skipped, never queued.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	spec    string
	starter Starter
	logger  *zap.Logger
	ctx     context.Context

	started atomic.Int64
	skipped atomic.Int64
}

// New validates spec and registers the trigger. Call Start to begin ticking.
func New(ctx context.Context, spec string, starter Starter, logger *zap.Logger) (*Scheduler, error) {
	if starter == nil {
		return nil, errors.New("scheduler requires a starter")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cronLogger{logger.Sugar()})),
		spec:    spec,
		starter: starter,
		logger:  logger,
		ctx:     ctx,
	}
	id, err := s.cron.AddFunc(spec, func() { s.Trigger(s.ctx) })
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins cron execution.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("spec", s.spec))
}

// Stop halts the schedule and waits for a trigger in progress.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// Trigger begins a cycle now. It reports whether a cycle was started.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.starter.Begin(ctx)
	switch {
	case errors.Is(err, scan.ErrAlreadyRunning):
		s.skipped.Add(1)
		s.logger.Info("cycle still running, tick skipped")
		return false
	case err != nil:
		s.logger.Error("scheduled cycle not started", zap.Error(err))
		return false
	}
	s.started.Add(1)
	s.logger.Info("scheduled cycle started", logging.CycleID(info.ID))
	return true
}

// Started reports how many cycles the scheduler has begun.
func (s *Scheduler) Started() int64 {
	return s.started.Load()
}

// Skipped reports how many ticks found a cycle already running.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// Next returns when the next tick fires, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
