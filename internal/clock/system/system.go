// Package system supplies the wall clock that stamps cycles and matches.
package system

import "time"

// Clock implements scan.Clock with UTC wall time.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
