// Package backoff implements the shared reconnect schedule used by the
// device link and the NTRIP client: capped exponential delay with a fixed
// attempt ceiling.
package backoff

import "time"

const (
	// MaxAttempts is the number of automatic reconnects allowed before the
	// owner must give up and surface a terminal failure.
	MaxAttempts = 5

	maxDelay = 30 * time.Second
)

// Schedule tracks consecutive failed attempts. The zero value is ready to
// use. Not safe for concurrent use; each connection owner keeps its own.
type Schedule struct {
	attempt int
}

// Next returns the delay before the next reconnect attempt, or ok=false
// when the ceiling has been reached. Delays follow min(2^attempt, 30s).
func (s *Schedule) Next() (time.Duration, bool) {
	if s.attempt >= MaxAttempts {
		return 0, false
	}
	d := time.Duration(1<<uint(s.attempt)) * time.Second
	if d > maxDelay {
		d = maxDelay
	}
	s.attempt++
	return d, true
}

// Reset clears the attempt counter. Called on every successful connect and
// on explicit user-initiated reconnects.
func (s *Schedule) Reset() {
	s.attempt = 0
}

// Attempt returns how many consecutive failures have been recorded.
func (s *Schedule) Attempt() int {
	return s.attempt
}
