package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/tgscan/internal/scan"
)

// LogOpener hands out in-memory match logs and remembers them by cycle ID so
// tests and the dev profile can read them back.
type LogOpener struct {
	mu   sync.Mutex
	logs map[string]*Log
}

// NewLogOpener returns an empty opener.
func NewLogOpener() *LogOpener {
	return &LogOpener{logs: make(map[string]*Log)}
}

// Open starts a fresh log for the cycle, replacing any earlier one with the
// same ID.
func (o *LogOpener) Open(_ context.Context, cycle scan.CycleInfo) (scan.MatchLog, error) {
	l := &Log{location: fmt.Sprintf("memory://matches/%s", cycle.ID)}
	o.mu.Lock()
	o.logs[cycle.ID] = l
	o.mu.Unlock()
	return l, nil
}

// Log returns the log opened for cycleID.
func (o *LogOpener) Log(cycleID string) (*Log, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.logs[cycleID]
	return l, ok
}

// Log is an append-only slice of matches.
type Log struct {
	mu       sync.Mutex
	location string
	matches  []scan.Match
	closed   bool
}

// Append records m unless the log was closed.
func (l *Log) Append(_ context.Context, m scan.Match) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%s is closed", l.location)
	}
	l.matches = append(l.matches, m)
	return nil
}

// Location returns the pseudo URI of the log.
func (l *Log) Location() string {
	return l.location
}

// Close marks the log read-only.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Matches returns a copy of everything appended so far.
func (l *Log) Matches() []scan.Match {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]scan.Match(nil), l.matches...)
}
