// Package sqlite keeps match logs and cycle runs in a single SQLite file
// through modernc.org/sqlite. It mirrors the postgres schema for deployments
// without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/tgscan/internal/scan"
	"github.com/JakeFAU/tgscan/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS matches (
	cycle_id   TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	target     TEXT    NOT NULL,
	keyword    TEXT    NOT NULL,
	context    TEXT    NOT NULL,
	annotation TEXT    NOT NULL DEFAULT '',
	matched_at INTEGER NOT NULL,
	PRIMARY KEY (cycle_id, seq)
);
CREATE TABLE IF NOT EXISTS cycle_runs (
	id            TEXT PRIMARY KEY,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS cycle_targets (
	cycle_id    TEXT    NOT NULL,
	target      TEXT    NOT NULL,
	last_update INTEGER NOT NULL,
	matches     INTEGER NOT NULL DEFAULT 0,
	scanned     INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (cycle_id, target)
);`

// Store wraps the SQLite connection.
type Store struct {
	db *sql.DB
}

var (
	_ scan.MatchLogOpener   = (*Store)(nil)
	_ store.CycleRepository = (*Store)(nil)
)

// Open opens (or creates) the database at path and initializes the schema.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Open starts a match log for the cycle.
func (s *Store) Open(_ context.Context, cycle scan.CycleInfo) (scan.MatchLog, error) {
	if cycle.ID == "" {
		return nil, fmt.Errorf("cycle id is required")
	}
	return &matchLog{db: s.db, cycleID: cycle.ID}, nil
}

// Matches returns every match recorded for cycleID in insertion order.
func (s *Store) Matches(ctx context.Context, cycleID string) ([]scan.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_id, target, keyword, context, annotation, matched_at
		FROM matches WHERE cycle_id = ? ORDER BY seq`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var out []scan.Match
	for rows.Next() {
		var (
			m      scan.Match
			target string
			at     int64
		)
		if err := rows.Scan(&m.CycleID, &target, &m.Keyword, &m.Context, &m.Annotation, &at); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		m.Target = scan.Target(target)
		m.Timestamp = time.Unix(0, at).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

type matchLog struct {
	db      *sql.DB
	cycleID string

	mu  sync.Mutex
	seq int64
}

func (l *matchLog) Append(ctx context.Context, m scan.Match) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.seq + 1
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO matches (cycle_id, seq, target, keyword, context, annotation, matched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.cycleID, next, string(m.Target), m.Keyword, m.Context, m.Annotation, m.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	l.seq = next
	return nil
}

func (l *matchLog) Location() string {
	return "sqlite://matches?cycle_id=" + l.cycleID
}

func (l *matchLog) Close() error {
	return nil
}

// UpsertCycleStart inserts a running row or resets an existing one.
func (s *Store) UpsertCycleStart(ctx context.Context, cycleID uuid.UUID, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_runs (id, started_at, status) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status`,
		cycleID.String(), startedAt.UnixNano(), string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("upsert cycle start: %w", err)
	}
	return nil
}

// CompleteCycle records the terminal status.
func (s *Store) CompleteCycle(
	ctx context.Context,
	cycleID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cycle_runs SET finished_at = ?, status = ?, error_message = ? WHERE id = ?`,
		finishedAt.UnixNano(), string(status), errMsg, cycleID.String())
	if err != nil {
		return fmt.Errorf("complete cycle: %w", err)
	}
	return nil
}

// UpsertTargetStats adds delta to the target's row.
func (s *Store) UpsertTargetStats(
	ctx context.Context,
	cycleID uuid.UUID,
	target string,
	delta store.TargetDelta,
	at time.Time,
) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_targets (cycle_id, target, last_update, matches, scanned, failed)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (cycle_id, target) DO UPDATE SET
			matches = matches + excluded.matches,
			scanned = scanned + excluded.scanned,
			failed = failed + excluded.failed,
			last_update = excluded.last_update`,
		cycleID.String(), target, at.UnixNano(), delta.Matches, delta.Scanned, delta.Failed)
	if err != nil {
		return fmt.Errorf("upsert target stats: %w", err)
	}
	return nil
}

// GetCycle loads one run or returns store.ErrNotFound.
func (s *Store) GetCycle(ctx context.Context, cycleID uuid.UUID) (store.CycleRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, status, error_message
		FROM cycle_runs WHERE id = ?`, cycleID.String())
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.CycleRun{}, store.ErrNotFound
	}
	return run, err
}

// ListCycles returns runs newest first, optionally filtered by status.
func (s *Store) ListCycles(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.CycleRun, error) {
	var filter any
	if status != nil {
		filter = string(*status)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, error_message
		FROM cycle_runs
		WHERE (? IS NULL OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`, filter, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var runs []store.CycleRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListCycleTargets returns per-target stats, most matches first.
func (s *Store) ListCycleTargets(ctx context.Context, cycleID uuid.UUID, limit, offset int) ([]store.TargetStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target, last_update, matches, scanned, failed
		FROM cycle_targets WHERE cycle_id = ?
		ORDER BY matches DESC, target
		LIMIT ? OFFSET ?`, cycleID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list cycle targets: %w", err)
	}
	defer rows.Close()

	var stats []store.TargetStats
	for rows.Next() {
		st := store.TargetStats{CycleID: cycleID}
		var at int64
		if err := rows.Scan(&st.Target, &at, &st.Matches, &st.Scanned, &st.Failed); err != nil {
			return nil, fmt.Errorf("scan target stats: %w", err)
		}
		st.LastUpdate = time.Unix(0, at).UTC()
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.CycleRun, error) {
	var (
		run      store.CycleRun
		id       string
		started  int64
		finished sql.NullInt64
		status   string
		errMsg   sql.NullString
	)
	if err := row.Scan(&id, &started, &finished, &status, &errMsg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("scan cycle run: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return run, fmt.Errorf("parse cycle id: %w", err)
	}
	run.ID = parsed
	run.StartedAt = time.Unix(0, started).UTC()
	run.Status = store.RunStatus(status)
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		run.FinishedAt = &t
	}
	if errMsg.Valid {
		msg := errMsg.String
		run.ErrorMessage = &msg
	}
	return run, nil
}
