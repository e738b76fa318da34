// Package sink aggregates a cycle's matches in memory and writes every match
// through to a durable log under the same lock.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/tgscan/internal/scan"
)

// ErrNotOpen is returned by Record before the first Reset.
var ErrNotOpen = errors.New("result sink has no open log")

// Sink is the thread-safe, write-through result aggregator.
type Sink struct {
	opener scan.MatchLogOpener

	mu       sync.Mutex
	log      scan.MatchLog
	location string
	cycleID  string
	matches  []scan.Match
}

// New creates a Sink that opens one log per cycle through opener.
func New(opener scan.MatchLogOpener) *Sink {
	return &Sink{opener: opener}
}

// Record appends m to the durable log and then to the in-memory list. Both
// happen under one lock, so concurrent producers never interleave log lines.
// When the durable write fails the match is dropped and the error returned.
func (s *Sink) Record(ctx context.Context, m scan.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return ErrNotOpen
	}
	if m.CycleID == "" {
		m.CycleID = s.cycleID
	}
	if err := s.log.Append(ctx, m); err != nil {
		return fmt.Errorf("append match log: %w", err)
	}
	s.matches = append(s.matches, m)
	return nil
}

// Snapshot returns a copy of the current match list.
func (s *Sink) Snapshot() []scan.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scan.Match, len(s.matches))
	copy(out, s.matches)
	return out
}

// View returns the cycle the sink was last reset for, a copy of its matches
// and the log location, read together under one lock.
func (s *Sink) View() (cycleID string, matches []scan.Match, location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches = make([]scan.Match, len(s.matches))
	copy(matches, s.matches)
	return s.cycleID, matches, s.location
}

// Len reports how many matches the current cycle has recorded.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matches)
}

// Location names the most recently opened durable log, or "" before the
// first Reset. It stays valid after Close.
func (s *Sink) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// Reset closes the previous log, clears the in-memory list and opens a new log
// for cycle. The log is opened outside the lock so readers are not held up by
// a slow backend. Callers must not Reset while a cycle has workers in flight.
func (s *Sink) Reset(ctx context.Context, cycle scan.CycleInfo) error {
	s.mu.Lock()
	var closeErr error
	if s.log != nil {
		if err := s.log.Close(); err != nil {
			closeErr = fmt.Errorf("close previous match log: %w", err)
		}
		s.log = nil
	}
	s.matches = nil
	s.location = ""
	s.cycleID = cycle.ID
	opener := s.opener
	s.mu.Unlock()

	if opener == nil {
		return errors.Join(closeErr, errors.New("no match log opener configured"))
	}
	log, err := opener.Open(ctx, cycle)
	if err != nil {
		return errors.Join(closeErr, fmt.Errorf("open match log: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycleID != cycle.ID {
		_ = log.Close()
		return errors.Join(closeErr, fmt.Errorf("match log for cycle %s superseded by %s", cycle.ID, s.cycleID))
	}
	s.log = log
	s.location = log.Location()
	return closeErr
}

// Close releases the current log. The in-memory snapshot stays readable and
// further Record calls fail with ErrNotOpen until the next Reset.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return nil
	}
	err := s.log.Close()
	s.log = nil
	if err != nil {
		return fmt.Errorf("close match log: %w", err)
	}
	return nil
}
