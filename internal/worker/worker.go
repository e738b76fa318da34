// Package worker runs the fetch-and-scan task for a single target. Failures
// are contained here: a task reports them in its Result and progress events
// and never fails the cycle it belongs to.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/tgscan/internal/logging"
	"github.com/JakeFAU/tgscan/internal/matcher"
	"github.com/JakeFAU/tgscan/internal/metrics"
	"github.com/JakeFAU/tgscan/internal/progress"
	"github.com/JakeFAU/tgscan/internal/scan"
	"github.com/JakeFAU/tgscan/internal/telemetry"
)

// DefaultTargetTimeout bounds one target's fetch including retries.
const DefaultTargetTimeout = 30 * time.Second

// Recorder accepts matches for the running cycle.
type Recorder interface {
	Record(ctx context.Context, m scan.Match) error
}

// Config controls per-target behavior.
type Config struct {
	TargetTimeout time.Duration
	// Tracer opens one span per target under the cycle span; defaults to
	// telemetry.Tracer().
	Tracer trace.Tracer
}

// Result summarizes one target's task.
type Result struct {
	Target   scan.Target
	Units    int
	Matches  int
	Dropped  int
	Duration time.Duration
	Err      error
}

// Failed reports whether the target's fetch failed.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Worker wires the collaborators of a fetch-and-scan task.
type Worker struct {
	fetcher  scan.TextFetcher
	matcher  *matcher.Matcher
	recorder Recorder
	limiter  scan.Limiter
	emitter  progress.Emitter
	clock    scan.Clock
	retry    *RetryPolicy
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. limiter, emitter and retry may be nil.
func New(
	fetcher scan.TextFetcher,
	m *matcher.Matcher,
	recorder Recorder,
	limiter scan.Limiter,
	emitter progress.Emitter,
	clock scan.Clock,
	retry *RetryPolicy,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.TargetTimeout <= 0 {
		cfg.TargetTimeout = DefaultTargetTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		fetcher:  fetcher,
		matcher:  m,
		recorder: recorder,
		limiter:  limiter,
		emitter:  emitter,
		clock:    clock,
		retry:    retry,
		cfg:      cfg,
		logger:   logger.Named("worker"),
	}
}

// ScanTarget fetches target, matches its text units against the cycle's
// keywords and records every match. It never panics.
func (w *Worker) ScanTarget(ctx context.Context, cycle scan.CycleInfo, target scan.Target) (res Result) {
	start := w.clock.Now()
	res.Target = target
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := w.cfg.Tracer.Start(ctx, "scan.target", trace.WithAttributes(
		attribute.String("cycle.id", cycle.ID),
		attribute.String("target", target.String()),
	))
	defer func() {
		span.SetAttributes(
			attribute.Int("units", res.Units),
			attribute.Int("matches", res.Matches),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "fetch failed")
		}
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("%w: panic: %v", scan.ErrFetch, r)
			res.Duration = w.clock.Now().Sub(start)
			w.logger.Error("scan task panicked",
				logging.CycleID(cycle.ID),
				logging.Target(target),
				zap.Any("panic", r),
			)
			w.emitTargetError(cycle, target, res)
		}
	}()

	units, err := w.fetch(ctx, target)
	if err != nil {
		res.Err = err
		res.Duration = w.clock.Now().Sub(start)
		w.logger.Warn("target fetch failed",
			logging.CycleID(cycle.ID),
			logging.Target(target),
			zap.Error(err),
		)
		w.emitTargetError(cycle, target, res)
		return res
	}
	res.Units = len(units)

	for m := range w.matcher.Scan(target, units, cycle.Keywords) {
		m.CycleID = cycle.ID
		if err := w.recorder.Record(ctx, m); err != nil {
			res.Dropped++
			w.logger.Error("record match",
				logging.CycleID(cycle.ID),
				logging.Target(target),
				zap.String("keyword", m.Keyword),
				zap.Error(err),
			)
			continue
		}
		res.Matches++
		w.emit(progress.Event{
			CycleID: progress.ParseCycleID(cycle.ID),
			Stage:   progress.StageMatch,
			Target:  target.String(),
			Keyword: m.Keyword,
			Context: m.Context,
		})
	}

	res.Duration = w.clock.Now().Sub(start)
	w.logger.Debug("target scanned",
		logging.CycleID(cycle.ID),
		logging.Target(target),
		zap.Int("units", res.Units),
		zap.Int("matches", res.Matches),
		zap.Duration("duration", res.Duration),
	)
	w.emit(progress.Event{
		CycleID: progress.ParseCycleID(cycle.ID),
		Stage:   progress.StageTargetDone,
		Target:  target.String(),
		Matches: int64(res.Matches),
		Dur:     res.Duration,
	})
	return res
}

// fetch runs FetchText with retries under the per-target deadline and maps
// failures onto the fetch error taxonomy.
func (w *Worker) fetch(ctx context.Context, target scan.Target) ([]string, error) {
	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TargetTimeout)
	defer cancel()

	var lastErr error
	for retries := 0; ; retries++ {
		units, err := w.attempt(taskCtx, target)
		if err == nil {
			return units, nil
		}
		lastErr = err
		if !w.retry.ShouldRetry(err, retries) {
			break
		}
		delay := w.retry.Backoff(retries)
		w.logger.Debug("retrying fetch",
			logging.Target(target),
			zap.Int("retry", retries+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if !sleep(taskCtx, delay) {
			break
		}
	}

	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) || errors.Is(lastErr, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s: %s: %w", scan.ErrFetchTimeout, w.cfg.TargetTimeout, target, lastErr)
	}
	return nil, fmt.Errorf("%w: %s: %w", scan.ErrFetch, target, lastErr)
}

func (w *Worker) attempt(ctx context.Context, target scan.Target) ([]string, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, target.String()); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	started := time.Now()
	units, err := w.fetcher.FetchText(ctx, target)
	metrics.ObserveFetch("text", target.String(), err, time.Since(started))
	return units, err
}

func (w *Worker) emitTargetError(cycle scan.CycleInfo, target scan.Target, res Result) {
	w.emit(progress.Event{
		CycleID: progress.ParseCycleID(cycle.ID),
		Stage:   progress.StageTargetError,
		Target:  target.String(),
		Dur:     res.Duration,
		Note:    res.Err.Error(),
	})
}

func (w *Worker) emit(evt progress.Event) {
	evt.TS = w.clock.Now().UTC()
	w.emitter.Emit(evt)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
