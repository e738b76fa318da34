package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tgscan/internal/progress"
	"github.com/JakeFAU/tgscan/internal/store"
)

// TestStoreSinkPersistsEvents ensures per-target deltas are collapsed before persisting.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := &fakeCycleRepo{}
	sink := NewStoreSink(repo, nil)
	cycleUUID := uuid.New()
	cycleID := progress.UUIDToBytes(cycleUUID)
	now := time.Now()

	batch := []progress.Event{
		{CycleID: cycleID, Stage: progress.StageCycleStart, TS: now},
		{CycleID: cycleID, Stage: progress.StageMatch, Target: "a", Keyword: "leak", TS: now.Add(time.Second)},
		{CycleID: cycleID, Stage: progress.StageMatch, Target: "a", Keyword: "dump", TS: now.Add(2 * time.Second)},
		{CycleID: cycleID, Stage: progress.StageTargetDone, Target: "a", Matches: 2, TS: now.Add(3 * time.Second)},
		{CycleID: cycleID, Stage: progress.StageCycleDone, TS: now.Add(4 * time.Second), Dur: 4 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, []uuid.UUID{cycleUUID}, repo.starts)
	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunSuccess, repo.completes[0].status)
	require.Nil(t, repo.completes[0].errMsg)
	require.Len(t, repo.targetStats, 1)
	stats := repo.targetStats[0]
	require.Equal(t, "a", stats.target)
	require.Equal(t, store.TargetDelta{Matches: 2, Scanned: 1}, stats.delta)
	require.Equal(t, now.Add(3*time.Second), stats.at)
}

func TestStoreSinkRecordsCycleErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeCycleRepo{}
	sink := NewStoreSink(repo, nil)
	cycleUUID := uuid.New()
	cycleID := progress.UUIDToBytes(cycleUUID)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{CycleID: cycleID, Stage: progress.StageTargetError, Target: "b", TS: time.Now()},
		{CycleID: cycleID, Stage: progress.StageCycleError, TS: time.Now(), Note: "no targets"},
	}))
	require.Equal(t, []uuid.UUID{cycleUUID}, repo.starts)
	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunError, repo.completes[0].status)
	require.Equal(t, "no targets", *repo.completes[0].errMsg)
	require.Equal(t, store.TargetDelta{Failed: 1}, repo.targetStats[0].delta)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeCycleRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	cycleID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{CycleID: cycleID, Stage: progress.StageCycleStart, TS: time.Now()},
	})
	require.Error(t, err)
}

// --- fakes ---

type fakeCycleRepo struct {
	fail        bool
	starts      []uuid.UUID
	completes   []completeCall
	targetStats []targetCall
}

type completeCall struct {
	cycleID uuid.UUID
	status  store.RunStatus
	errMsg  *string
}

type targetCall struct {
	cycleID uuid.UUID
	target  string
	delta   store.TargetDelta
	at      time.Time
}

var errFakeRepo = errors.New("repo unavailable")

func (f *fakeCycleRepo) UpsertCycleStart(_ context.Context, cycleID uuid.UUID, _ time.Time) error {
	if f.fail {
		return errFakeRepo
	}
	f.starts = append(f.starts, cycleID)
	return nil
}

func (f *fakeCycleRepo) CompleteCycle(
	_ context.Context,
	cycleID uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if f.fail {
		return errFakeRepo
	}
	f.completes = append(f.completes, completeCall{cycleID: cycleID, status: status, errMsg: errMsg})
	return nil
}

func (f *fakeCycleRepo) UpsertTargetStats(
	_ context.Context,
	cycleID uuid.UUID,
	target string,
	delta store.TargetDelta,
	at time.Time,
) error {
	if f.fail {
		return errFakeRepo
	}
	f.targetStats = append(f.targetStats, targetCall{cycleID: cycleID, target: target, delta: delta, at: at})
	return nil
}

func (f *fakeCycleRepo) GetCycle(context.Context, uuid.UUID) (store.CycleRun, error) {
	return store.CycleRun{}, store.ErrNotFound
}

func (f *fakeCycleRepo) ListCycles(context.Context, *store.RunStatus, int, int) ([]store.CycleRun, error) {
	return nil, nil
}

func (f *fakeCycleRepo) ListCycleTargets(context.Context, uuid.UUID, int, int) ([]store.TargetStats, error) {
	return nil, nil
}
