// Package timestamp provides the commit timestamp authority.
package timestamp

import (
	"sync/atomic"
	"time"
)

// Provider hands out commit timestamps.
type Provider interface {
	CurrentTimestamp() int64
}

// Monotonic returns wall-clock nanoseconds, bumped so that every value is
// strictly greater than the previous one handed out by the same provider.
type Monotonic struct {
	last atomic.Int64
	now  func() time.Time
}

func NewMonotonic() *Monotonic {
	return &Monotonic{now: time.Now}
}

// Seed makes every subsequent timestamp greater than ts.
func (m *Monotonic) Seed(ts int64) {
	for {
		last := m.last.Load()
		if ts <= last || m.last.CompareAndSwap(last, ts) {
			return
		}
	}
}

func (m *Monotonic) CurrentTimestamp() int64 {
	for {
		last := m.last.Load()
		next := m.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if m.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
