// Package system provides the wall clock used for batch timestamps.
package system

import "time"

// Clock implements batch.Clock. Timestamps are UTC so stored batches compare
// equal regardless of the host zone.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
