// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements scrape.Clock. Readings are UTC and truncated to
// microseconds, the resolution Postgres and SQLite timestamps keep, so a job
// read back from storage compares equal to the one written.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
