package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/tgscan/internal/store"
)

// DefaultRunsTable is used when no table name is configured.
const DefaultRunsTable = "cycle_runs"

// CycleStore implements store.CycleRepository using Postgres. Target stats
// live in <runs table>_targets.
type CycleStore struct {
	pool    querier
	runs    string
	targets string
}

var _ store.CycleRepository = (*CycleStore)(nil)

// NewCycleStore creates a CycleStore over pool.
func NewCycleStore(pool querier, runsTable string) (*CycleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(runsTable, DefaultRunsTable)
	if err != nil {
		return nil, err
	}
	return &CycleStore{pool: pool, runs: table, targets: table + "_targets"}, nil
}

// Close closes the underlying connection pool.
func (s *CycleStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates both tables when they do not exist.
func (s *CycleStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            UUID PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
)`, s.runs),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	cycle_id    UUID NOT NULL,
	target      TEXT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	matches     BIGINT NOT NULL DEFAULT 0,
	scanned     BIGINT NOT NULL DEFAULT 0,
	failed      BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (cycle_id, target)
)`, s.targets),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertCycleStart inserts a running row or resets an existing one.
func (s *CycleStore) UpsertCycleStart(ctx context.Context, cycleID uuid.UUID, startedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE %[1]s.status <> EXCLUDED.status;
	`, s.runs)
	if _, err := s.pool.Exec(ctx, query, cycleID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert cycle start: %w", err)
	}
	return nil
}

// CompleteCycle marks a cycle as finished with a status and optional error message.
func (s *CycleStore) CompleteCycle(
	ctx context.Context,
	cycleID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`, s.runs)
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, cycleID); err != nil {
		return fmt.Errorf("failed to complete cycle: %w", err)
	}
	return nil
}

// UpsertTargetStats adds delta to the target's row, creating it on first use.
func (s *CycleStore) UpsertTargetStats(
	ctx context.Context,
	cycleID uuid.UUID,
	target string,
	delta store.TargetDelta,
	at time.Time,
) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (cycle_id, target, last_update, matches, scanned, failed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cycle_id, target) DO UPDATE
		SET matches = %[1]s.matches + EXCLUDED.matches,
			scanned = %[1]s.scanned + EXCLUDED.scanned,
			failed = %[1]s.failed + EXCLUDED.failed,
			last_update = EXCLUDED.last_update;
	`, s.targets)
	if _, err := s.pool.Exec(ctx, query, cycleID, target, at, delta.Matches, delta.Scanned, delta.Failed); err != nil {
		return fmt.Errorf("failed to upsert target stats: %w", err)
	}
	return nil
}

// GetCycle retrieves a single cycle run by its ID.
func (s *CycleStore) GetCycle(ctx context.Context, cycleID uuid.UUID) (store.CycleRun, error) {
	query := fmt.Sprintf(`
		SELECT id, started_at, finished_at, status, error_message
		FROM %s
		WHERE id = $1;
	`, s.runs)
	var run store.CycleRun
	err := s.pool.QueryRow(ctx, query, cycleID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CycleRun{}, store.ErrNotFound
		}
		return store.CycleRun{}, fmt.Errorf("failed to get cycle: %w", err)
	}
	return run, nil
}

// ListCycles retrieves cycle runs, newest first, with optional status filtering.
func (s *CycleStore) ListCycles(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.CycleRun, error) {
	query := fmt.Sprintf(`
		SELECT id, started_at, finished_at, status, error_message
		FROM %s
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`, s.runs)
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	var runs []store.CycleRun
	for rows.Next() {
		var run store.CycleRun
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan cycle row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cycles: %w", err)
	}
	return runs, nil
}

// ListCycleTargets retrieves per-target statistics for a cycle.
func (s *CycleStore) ListCycleTargets(
	ctx context.Context,
	cycleID uuid.UUID,
	limit,
	offset int,
) ([]store.TargetStats, error) {
	query := fmt.Sprintf(`
		SELECT cycle_id, target, last_update, matches, scanned, failed
		FROM %s
		WHERE cycle_id = $1
		ORDER BY matches DESC, target
		LIMIT $2 OFFSET $3;
	`, s.targets)
	rows, err := s.pool.Query(ctx, query, cycleID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycle targets: %w", err)
	}
	defer rows.Close()

	var stats []store.TargetStats
	for rows.Next() {
		var st store.TargetStats
		if err := rows.Scan(&st.CycleID, &st.Target, &st.LastUpdate, &st.Matches, &st.Scanned, &st.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan target stats row: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate target stats: %w", err)
	}
	return stats, nil
}
