// Package clock provides the time source consumed by the WAL for entry
// timestamps, swappable for a manual clock in deterministic tests.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock yields timestamps for log entries. Timestamps are informational;
// ordering decisions are always made on LSNs and transaction ids.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by time.Now.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Default is the wall clock.
var Default Clock = System{}

// Manual is a Clock that only moves when told to. The zero value starts at
// the Unix epoch; use Set or Advance to position it.
type Manual struct {
	ns atomic.Int64
}

// NewManual creates a Manual clock positioned at t.
func NewManual(t time.Time) *Manual {
	m := &Manual{}
	m.Set(t)
	return m
}

func (m *Manual) Now() time.Time { return time.Unix(0, m.ns.Load()) }

// Set positions the clock at t.
func (m *Manual) Set(t time.Time) { m.ns.Store(t.UnixNano()) }

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) { m.ns.Add(int64(d)) }
