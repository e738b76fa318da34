package scan

import (
	"context"
	"time"
)

// ListingFetcher returns the raw links found on a listing page.
type ListingFetcher interface {
	FetchListing(ctx context.Context, source ListingSource) ([]string, error)
}

// TextFetcher returns the text units (one per message) of a target.
type TextFetcher interface {
	FetchText(ctx context.Context, target Target) ([]string, error)
}

// MatchLog is a durable, append-only record of one cycle's matches.
type MatchLog interface {
	Append(ctx context.Context, m Match) error
	// Location names the log for status reporting (a path, a URI or a table).
	Location() string
	Close() error
}

// MatchLogOpener opens a fresh MatchLog for a cycle.
type MatchLogOpener interface {
	Open(ctx context.Context, cycle CycleInfo) (MatchLog, error)
}

// TargetListWriter persists the resolved target set and returns its location.
type TargetListWriter interface {
	WriteTargets(ctx context.Context, cycle CycleInfo, targets []Target) (string, error)
}

// Archiver copies a finished cycle's artifacts somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, cycle Cycle, files ...string) error
}

// Limiter throttles fetches per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces cycle IDs.
type IDGenerator interface {
	NewID() (string, error)
}
