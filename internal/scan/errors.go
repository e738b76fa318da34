package scan

import "errors"

var (
	// ErrSourceUnavailable reports a listing source that could not be fetched.
	// It is fatal only when no target survives resolution.
	ErrSourceUnavailable = errors.New("listing source unavailable")
	// ErrFetchTimeout reports a per-target fetch that exceeded its deadline.
	ErrFetchTimeout = errors.New("fetch timed out")
	// ErrFetch reports any other per-target fetch failure.
	ErrFetch = errors.New("fetch failed")
	// ErrAlreadyRunning rejects a start request while a cycle is running.
	ErrAlreadyRunning = errors.New("scan cycle already running")
	// ErrNoTargets fails a cycle whose resolved target set is empty.
	ErrNoTargets = errors.New("no targets to scan")
	// ErrNoKeywords fails a cycle, or an update, with an empty keyword set.
	ErrNoKeywords = errors.New("no keywords configured")
)
