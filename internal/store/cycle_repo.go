// Package store declares interfaces for persisting cycle progress.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("cycle record not found")

// RunStatus mirrors the cycle_runs status column.
type RunStatus string

// Cycle run statuses persisted in cycle_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// CycleRun models one row of cycle_runs.
type CycleRun struct {
	// ID is the cycle identifier.
	ID uuid.UUID `json:"id"`
	// StartedAt captures when the run was marked running.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Status is running/success/error.
	Status RunStatus `json:"status"`
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string `json:"error_message,omitempty"`
}

// TargetStats aggregates one target's outcome within a cycle.
type TargetStats struct {
	CycleID    uuid.UUID `json:"cycle_id"`
	Target     string    `json:"target"`
	LastUpdate time.Time `json:"last_update"`
	Matches    int64     `json:"matches"`
	Scanned    int64     `json:"scanned"`
	Failed     int64     `json:"failed"`
}

// CycleRepository persists incremental cycle progress.
type CycleRepository interface {
	// UpsertCycleStart inserts (or idempotently updates) the started_at timestamp.
	UpsertCycleStart(ctx context.Context, cycleID uuid.UUID, startedAt time.Time) error
	// CompleteCycle marks the run finished with the provided status and error.
	CompleteCycle(ctx context.Context, cycleID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// UpsertTargetStats applies match/scan/failure deltas for one target.
	UpsertTargetStats(ctx context.Context, cycleID uuid.UUID, target string, delta TargetDelta, at time.Time) error

	// GetCycle loads a single cycle run or returns ErrNotFound.
	GetCycle(ctx context.Context, cycleID uuid.UUID) (CycleRun, error)
	// ListCycles returns cycle runs filtered by optional status plus limit/offset.
	ListCycles(ctx context.Context, status *RunStatus, limit, offset int) ([]CycleRun, error)
	// ListCycleTargets returns per-target stats for one cycle.
	ListCycleTargets(ctx context.Context, cycleID uuid.UUID, limit, offset int) ([]TargetStats, error)
}

// TargetDelta is an increment applied to TargetStats.
type TargetDelta struct {
	Matches int64
	Scanned int64
	Failed  int64
}
