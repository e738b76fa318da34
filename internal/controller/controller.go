// Package controller owns the scan cycle state machine. At most one cycle is
// RUNNING process-wide; it snapshots the watchlist, resets the result sink,
// resolves targets and drains one fetch-and-scan task per target on a bounded
// pool before moving to COMPLETE or FAILED.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/tgscan/internal/dispatcher"
	"github.com/JakeFAU/tgscan/internal/logging"
	"github.com/JakeFAU/tgscan/internal/progress"
	"github.com/JakeFAU/tgscan/internal/scan"
	"github.com/JakeFAU/tgscan/internal/telemetry"
	"github.com/JakeFAU/tgscan/internal/watchlist"
	"github.com/JakeFAU/tgscan/internal/worker"
)

// Watchlist is the versioned keyword and bespoke target configuration.
type Watchlist interface {
	Snapshot() watchlist.Snapshot
	UpdateKeywords(words []string) (watchlist.Snapshot, error)
	AddTarget(raw string) (scan.Target, bool, error)
}

// Resolver merges bespoke targets with those discovered from listings.
type Resolver interface {
	Resolve(ctx context.Context, static []scan.Target) ([]scan.Target, error)
}

// ResultSink is the write-through match aggregator.
type ResultSink interface {
	Record(ctx context.Context, m scan.Match) error
	Reset(ctx context.Context, cycle scan.CycleInfo) error
	Snapshot() []scan.Match
	View() (cycleID string, matches []scan.Match, location string)
	Len() int
	Location() string
	Close() error
}

// Scanner runs the fetch-and-scan task for one target.
type Scanner interface {
	ScanTarget(ctx context.Context, cycle scan.CycleInfo, target scan.Target) worker.Result
}

// Deps collects the controller's collaborators. TargetList, Archiver,
// Emitter and Tracer are optional.
type Deps struct {
	Watchlist  Watchlist
	Resolver   Resolver
	Sink       ResultSink
	Scanner    Scanner
	Pool       *dispatcher.Pool
	TargetList scan.TargetListWriter
	Archiver   scan.Archiver
	Emitter    progress.Emitter
	IDs        scan.IDGenerator
	Clock      scan.Clock
	Tracer     trace.Tracer
	Logger     *zap.Logger
}

// Controller coordinates scan cycles.
type Controller struct {
	deps   Deps
	logger *zap.Logger

	// runCtx parents cycles started with Begin; Close cancels it.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	state   scan.CycleState
	cycle   scan.Cycle
	links   scan.LinksInfo
	lastErr string
	done    chan struct{}
}

// New builds a Controller in the IDLE state.
func New(deps Deps) (*Controller, error) {
	switch {
	case deps.Watchlist == nil:
		return nil, errors.New("controller requires a watchlist")
	case deps.Resolver == nil:
		return nil, errors.New("controller requires a resolver")
	case deps.Sink == nil:
		return nil, errors.New("controller requires a result sink")
	case deps.Scanner == nil:
		return nil, errors.New("controller requires a scanner")
	case deps.IDs == nil:
		return nil, errors.New("controller requires an id generator")
	case deps.Clock == nil:
		return nil, errors.New("controller requires a clock")
	}
	if deps.Pool == nil {
		deps.Pool = dispatcher.New(dispatcher.DefaultConcurrency)
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Controller{
		deps:      deps,
		logger:    deps.Logger.Named("controller"),
		runCtx:    runCtx,
		runCancel: runCancel,
		state:     scan.StateIdle,
	}, nil
}

// Start runs a full cycle and blocks until it ends. It returns
// scan.ErrAlreadyRunning, without touching the running cycle, when one is in
// progress, and the setup error when the cycle fails.
func (c *Controller) Start(ctx context.Context) (scan.CycleInfo, error) {
	info, snap, done, err := c.begin()
	if err != nil {
		return scan.CycleInfo{}, err
	}
	err = c.run(ctx, info, snap, done)
	return info, err
}

// Begin moves to RUNNING synchronously and runs the rest of the cycle in the
// background. Use Wait to block until it ends.
func (c *Controller) Begin(ctx context.Context) (scan.CycleInfo, error) {
	info, snap, done, err := c.begin()
	if err != nil {
		return scan.CycleInfo{}, err
	}
	// Keep request-scoped values such as the trace span but not the deadline.
	runCtx, cancel := mergeCancel(context.WithoutCancel(ctx), c.runCtx)
	go func() {
		defer cancel()
		_ = c.run(runCtx, info, snap, done)
	}()
	return info, nil
}

// Wait blocks until the current cycle, if any, has ended.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for cycle: %w", ctx.Err())
	}
}

// Close cancels a cycle started with Begin and waits for it to wind down.
func (c *Controller) Close(ctx context.Context) error {
	c.runCancel()
	return c.Wait(ctx)
}

// UpdateKeywords replaces the keyword set used by future cycles. A running
// cycle keeps its snapshot.
func (c *Controller) UpdateKeywords(_ context.Context, words []string) (watchlist.Snapshot, error) {
	snap, err := c.deps.Watchlist.UpdateKeywords(words)
	if err != nil {
		return watchlist.Snapshot{}, fmt.Errorf("update keywords: %w", err)
	}
	return snap, nil
}

// AddTarget appends a bespoke target for future cycles. It reports whether
// the target was new.
func (c *Controller) AddTarget(_ context.Context, raw string) (bool, error) {
	_, added, err := c.deps.Watchlist.AddTarget(raw)
	if err != nil {
		return false, fmt.Errorf("add target: %w", err)
	}
	return added, nil
}

// Status returns a read-only view of the controller and the latest cycle.
func (c *Controller) Status() scan.Status {
	snap := c.deps.Watchlist.Snapshot()
	sinkCycle, results, resultsFile := c.deps.Sink.View()

	c.mu.Lock()
	defer c.mu.Unlock()
	// A new cycle is RUNNING before its worker resets the sink; the previous
	// cycle's results must not show under the new ID.
	if sinkCycle != c.cycle.ID {
		results, resultsFile = []scan.Match{}, ""
	}
	return scan.Status{
		State:            c.state,
		CycleID:          c.cycle.ID,
		StartedAt:        c.cycle.StartedAt,
		FinishedAt:       c.cycle.FinishedAt,
		DurationSeconds:  c.cycle.Duration(c.deps.Clock.Now()).Seconds(),
		TargetCount:      len(c.cycle.Targets),
		TargetsFailed:    c.cycle.TargetsFailed,
		Keywords:         snap.Keywords,
		WatchlistVersion: snap.Version,
		CycleKeywords:    c.cycle.Keywords.Clone(),
		MatchCount:       len(results),
		Results:          results,
		ResultsFile:      resultsFile,
		LinksInfo:        c.links,
		LastError:        c.lastErr,
	}
}

// Cycle returns a copy of the latest cycle record.
func (c *Controller) Cycle() scan.Cycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.cycle
	out.Keywords = c.cycle.Keywords.Clone()
	out.Targets = append([]scan.Target(nil), c.cycle.Targets...)
	return out
}

// Running reports whether a cycle is in progress.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == scan.StateRunning
}

// begin performs the exclusive IDLE/terminal to RUNNING transition.
func (c *Controller) begin() (scan.CycleInfo, watchlist.Snapshot, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == scan.StateRunning {
		return scan.CycleInfo{}, watchlist.Snapshot{}, nil, scan.ErrAlreadyRunning
	}
	id, err := c.deps.IDs.NewID()
	if err != nil {
		return scan.CycleInfo{}, watchlist.Snapshot{}, nil, fmt.Errorf("new cycle id: %w", err)
	}
	snap := c.deps.Watchlist.Snapshot()
	info := scan.CycleInfo{
		ID:               id,
		StartedAt:        c.deps.Clock.Now().UTC(),
		Keywords:         snap.Keywords,
		WatchlistVersion: snap.Version,
	}
	c.state = scan.StateRunning
	c.cycle = scan.Cycle{CycleInfo: info, State: scan.StateRunning}
	c.links = scan.LinksInfo{}
	c.lastErr = ""
	c.done = make(chan struct{})
	return info, snap, c.done, nil
}

// run drives a cycle from RUNNING to a terminal state and closes done.
func (c *Controller) run(ctx context.Context, info scan.CycleInfo, snap watchlist.Snapshot, done chan struct{}) (err error) {
	defer close(done)

	ctx, span := c.deps.Tracer.Start(ctx, "scan.cycle", trace.WithAttributes(
		attribute.String("cycle.id", info.ID),
		attribute.Int64("watchlist.version", info.WatchlistVersion),
		attribute.Int("keywords", len(info.Keywords)),
	))
	defer span.End()

	logger := c.logger.With(logging.CycleID(info.ID))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
			logger.Error("cycle panicked", zap.Any("panic", r))
			c.fail(info, span, err)
		}
	}()

	if err := c.deps.Sink.Reset(ctx, info); err != nil {
		return c.fail(info, span, fmt.Errorf("reset result sink: %w", err))
	}
	if len(info.Keywords) == 0 {
		return c.fail(info, span, scan.ErrNoKeywords)
	}

	targets, err := c.deps.Resolver.Resolve(ctx, snap.Targets)
	if err != nil {
		return c.fail(info, span, fmt.Errorf("resolve targets: %w", err))
	}
	if len(targets) == 0 {
		return c.fail(info, span, scan.ErrNoTargets)
	}

	links := scan.LinksInfo{Count: len(targets)}
	if c.deps.TargetList != nil {
		loc, err := c.deps.TargetList.WriteTargets(ctx, info, targets)
		if err != nil {
			logger.Warn("write target list", zap.Error(err))
		}
		links.Filename = loc
	}
	c.mu.Lock()
	c.cycle.Targets = targets
	c.links = links
	c.mu.Unlock()

	span.SetAttributes(attribute.Int("targets", len(targets)))
	logger.Info("cycle started",
		zap.Int("targets", len(targets)),
		zap.Strings("keywords", info.Keywords),
		zap.Int("concurrency", c.deps.Pool.Limit()),
	)
	c.emit(progress.Event{
		CycleID: progress.ParseCycleID(info.ID),
		Stage:   progress.StageCycleStart,
		Targets: len(targets),
	})

	tasks := make([]dispatcher.Task, 0, len(targets))
	for _, target := range targets {
		tasks = append(tasks, func(ctx context.Context) {
			res := c.deps.Scanner.ScanTarget(ctx, info, target)
			c.mu.Lock()
			defer c.mu.Unlock()
			c.cycle.TargetsScanned++
			if res.Failed() {
				c.cycle.TargetsFailed++
			}
		})
	}
	c.deps.Pool.Run(ctx, tasks)

	if err := c.deps.Sink.Close(); err != nil {
		logger.Warn("close match log", zap.Error(err))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return c.fail(info, span, fmt.Errorf("cycle interrupted: %w", ctxErr))
	}
	c.archive(ctx, logger, links.Filename)
	c.complete(info, span, logger)
	return nil
}

func (c *Controller) archive(ctx context.Context, logger *zap.Logger, targetsFile string) {
	if c.deps.Archiver == nil {
		return
	}
	c.mu.Lock()
	cycle := c.cycle
	c.mu.Unlock()
	if err := c.deps.Archiver.Archive(ctx, cycle, c.deps.Sink.Location(), targetsFile); err != nil {
		logger.Warn("archive cycle", zap.Error(err))
	}
}

func (c *Controller) complete(info scan.CycleInfo, span trace.Span, logger *zap.Logger) {
	now := c.deps.Clock.Now().UTC()
	matches := c.deps.Sink.Len()

	c.mu.Lock()
	c.state = scan.StateComplete
	c.cycle.State = scan.StateComplete
	c.cycle.FinishedAt = now
	scanned, failed := c.cycle.TargetsScanned, c.cycle.TargetsFailed
	c.mu.Unlock()

	dur := now.Sub(info.StartedAt)
	span.SetAttributes(attribute.Int("matches", matches), attribute.Int("targets.failed", failed))
	span.SetStatus(codes.Ok, "")
	logger.Info("cycle complete",
		zap.Int("matches", matches),
		zap.Int("targets_scanned", scanned),
		zap.Int("targets_failed", failed),
		zap.Duration("duration", dur),
	)
	c.emit(progress.Event{
		CycleID: progress.ParseCycleID(info.ID),
		Stage:   progress.StageCycleDone,
		Matches: int64(matches),
		Dur:     dur,
		Note:    fmt.Sprintf("%d/%d targets failed", failed, scanned),
	})
}

func (c *Controller) fail(info scan.CycleInfo, span trace.Span, err error) error {
	now := c.deps.Clock.Now().UTC()
	if closeErr := c.deps.Sink.Close(); closeErr != nil {
		c.logger.Warn("close match log", logging.CycleID(info.ID), zap.Error(closeErr))
	}

	c.mu.Lock()
	c.state = scan.StateFailed
	c.cycle.State = scan.StateFailed
	c.cycle.FinishedAt = now
	c.cycle.Err = err.Error()
	c.lastErr = err.Error()
	c.mu.Unlock()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Error("cycle failed", logging.CycleID(info.ID), zap.Error(err))
	c.emit(progress.Event{
		CycleID: progress.ParseCycleID(info.ID),
		Stage:   progress.StageCycleError,
		Dur:     now.Sub(info.StartedAt),
		Note:    err.Error(),
	})
	return err
}

func (c *Controller) emit(evt progress.Event) {
	evt.TS = c.deps.Clock.Now().UTC()
	c.deps.Emitter.Emit(evt)
}

// mergeCancel returns a context carrying parent's values that is canceled
// when stop is.
func mergeCancel(parent, stop context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	release := context.AfterFunc(stop, cancel)
	return ctx, func() {
		release()
		cancel()
	}
}
