package util

import (
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FixedClock is a settable clock for tests and replay.
type FixedClock struct {
	unix atomic.Int64
}

func NewFixedClock(unix int64) *FixedClock {
	c := &FixedClock{}
	c.unix.Store(unix)
	return c
}

func (c *FixedClock) Now() time.Time          { return time.Unix(c.unix.Load(), 0) }
func (c *FixedClock) Set(unix int64)          { c.unix.Store(unix) }
func (c *FixedClock) Advance(d time.Duration) { c.unix.Add(int64(d / time.Second)) }
