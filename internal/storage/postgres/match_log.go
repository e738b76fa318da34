package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/tgscan/internal/scan"
)

// DefaultMatchesTable is used when no table name is configured.
const DefaultMatchesTable = "matches"

// MatchLogOpener writes every cycle's matches into one table keyed by
// (cycle_id, seq).
type MatchLogOpener struct {
	pool  execCloser
	table string
}

// NewMatchLogOpener builds an opener on top of an existing pool.
func NewMatchLogOpener(pool execCloser, table string) (*MatchLogOpener, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, DefaultMatchesTable)
	if err != nil {
		return nil, err
	}
	return &MatchLogOpener{pool: pool, table: table}, nil
}

// EnsureSchema creates the matches table when it does not exist.
func (o *MatchLogOpener) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	cycle_id   TEXT        NOT NULL,
	seq        BIGINT      NOT NULL,
	target     TEXT        NOT NULL,
	keyword    TEXT        NOT NULL,
	context    TEXT        NOT NULL,
	annotation TEXT        NOT NULL DEFAULT '',
	matched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (cycle_id, seq)
)`, o.table)
	if _, err := o.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", o.table, err)
	}
	return nil
}

// Open returns a log that tags every row with the cycle ID.
func (o *MatchLogOpener) Open(_ context.Context, cycle scan.CycleInfo) (scan.MatchLog, error) {
	if cycle.ID == "" {
		return nil, fmt.Errorf("cycle id is required")
	}
	return &matchLog{opener: o, cycleID: cycle.ID}, nil
}

// Close releases the pool.
func (o *MatchLogOpener) Close() {
	o.pool.Close()
}

type matchLog struct {
	opener  *MatchLogOpener
	cycleID string

	mu  sync.Mutex
	seq int64
}

func (l *matchLog) Append(ctx context.Context, m scan.Match) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	query := fmt.Sprintf(`
INSERT INTO %s (
	cycle_id,
	seq,
	target,
	keyword,
	context,
	annotation,
	matched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
)`, l.opener.table)
	next := l.seq + 1
	if _, err := l.opener.pool.Exec(ctx, query,
		l.cycleID, next, string(m.Target), m.Keyword, m.Context, m.Annotation, m.Timestamp,
	); err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	l.seq = next
	return nil
}

func (l *matchLog) Location() string {
	return fmt.Sprintf("postgres://%s?cycle_id=%s", l.opener.table, l.cycleID)
}

func (l *matchLog) Close() error {
	return nil
}
