// Package clock abstracts wall-clock time so the conversion queue can be
// driven deterministically in tests. Production code uses Real; tests
// substitute a Fake and move time by hand.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current wall-clock time.
type Clock interface {
	Now() time.Time
}

// Real is a zero-value Clock backed by time.Now. It holds no state and is
// safe for concurrent use.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// NowInSeconds returns c's current time as whole seconds since the Unix epoch.
// Times before the epoch clamp to zero.
func NowInSeconds(c Clock) uint64 {
	s := c.Now().Unix()
	if s < 0 {
		return 0
	}
	return uint64(s)
}

// MaxSeconds is 9999-12-31T23:59:59Z, the last second RFC 3339 can print.
const MaxSeconds = 253402300799

// FromSeconds converts epoch seconds back to a UTC time.Time. Values past
// MaxSeconds clamp to it.
func FromSeconds(s uint64) time.Time {
	if s > MaxSeconds {
		s = MaxSeconds
	}
	return time.Unix(int64(s), 0).UTC()
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock reading epochSeconds.
func NewFake(epochSeconds uint64) *Fake {
	return &Fake{now: FromSeconds(epochSeconds)}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the fake to epochSeconds.
func (f *Fake) Set(epochSeconds uint64) {
	f.mu.Lock()
	f.now = FromSeconds(epochSeconds)
	f.mu.Unlock()
}

// Advance moves the fake forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
