// Package clock abstracts wall-clock time so scheduling, lock staleness and
// retry backoff can be driven deterministically in tests.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// System is the real wall clock.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// Or returns c, or System if c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
