package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/tgscan/internal/progress"
	"github.com/JakeFAU/tgscan/internal/store"
)

// StoreSink persists cycle runs and per-target counters via a
// store.CycleRepository. Target deltas are collapsed per batch to reduce
// write amplification.
type StoreSink struct {
	repo   store.CycleRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.CycleRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies cycle transitions in order and flushes target deltas at the
// end of the batch. Repository errors are returned to the hub.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)
	var pendingDone []progress.Event

	for _, evt := range batch {
		cycleID := evt.CycleUUID()
		switch evt.Stage {
		case progress.StageCycleStart:
			if err := s.repo.UpsertCycleStart(ctx, cycleID, evt.TS); err != nil {
				return fmt.Errorf("upsert cycle start: %w", err)
			}
		case progress.StageCycleDone, progress.StageCycleError:
			pendingDone = append(pendingDone, evt)
		case progress.StageMatch:
			s.recordTarget(stats, cycleID, evt, store.TargetDelta{Matches: 1})
		case progress.StageTargetDone:
			s.recordTarget(stats, cycleID, evt, store.TargetDelta{Scanned: 1})
		case progress.StageTargetError:
			s.recordTarget(stats, cycleID, evt, store.TargetDelta{Failed: 1})
		}
	}

	for key, delta := range stats {
		if err := s.repo.UpsertTargetStats(ctx, key.cycleID, key.target, delta.delta, delta.at); err != nil {
			return fmt.Errorf("upsert target stats: %w", err)
		}
	}
	for _, evt := range pendingDone {
		if err := s.completeCycle(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) completeCycle(ctx context.Context, evt progress.Event) error {
	status := store.RunSuccess
	var note *string
	if evt.Stage == progress.StageCycleError {
		status = store.RunError
		if evt.Note != "" {
			msg := evt.Note
			note = &msg
		}
	}
	if status == store.RunError {
		// Setup failures end a cycle before CYCLE_START; make sure the row exists.
		if err := s.repo.UpsertCycleStart(ctx, evt.CycleUUID(), evt.TS.Add(-evt.Dur)); err != nil {
			return fmt.Errorf("upsert failed cycle: %w", err)
		}
	}
	if err := s.repo.CompleteCycle(ctx, evt.CycleUUID(), evt.TS, status, note); err != nil {
		return fmt.Errorf("complete cycle: %w", err)
	}
	s.logger.Debug("cycle run persisted",
		zap.Stringer("cycle_id", evt.CycleUUID()),
		zap.String("status", string(status)),
	)
	return nil
}

func (s *StoreSink) recordTarget(stats map[statsKey]*statsDelta, cycleID uuid.UUID, evt progress.Event, d store.TargetDelta) {
	if evt.Target == "" {
		return
	}
	key := statsKey{cycleID: cycleID, target: evt.Target}
	stat := stats[key]
	if stat == nil {
		stat = &statsDelta{}
		stats[key] = stat
	}
	stat.delta.Matches += d.Matches
	stat.delta.Scanned += d.Scanned
	stat.delta.Failed += d.Failed
	if evt.TS.After(stat.at) || stat.at.IsZero() {
		stat.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	cycleID uuid.UUID
	target  string
}

type statsDelta struct {
	delta store.TargetDelta
	at    time.Time
}
