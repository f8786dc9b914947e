package store

import (
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/skv/lib/db/util"
)

// Clock supplies the current time in unix milliseconds.
// Stores stamp every command with it: it drives automatic stream ids,
// idle times of pending entries and key expiry.
type Clock interface {
	NowMillis() uint64
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) NowMillis() uint64 { return util.NowMillis(time.Now()) }

// ManualClock is a clock that only moves when told to
type ManualClock struct {
	now atomic.Uint64
}

// NewManualClock creates a clock starting at ms
func NewManualClock(ms uint64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(ms)
	return c
}

func (c *ManualClock) NowMillis() uint64 { return c.now.Load() }

// Set moves the clock to ms
func (c *ManualClock) Set(ms uint64) { c.now.Store(ms) }

// Advance moves the clock forward by d
func (c *ManualClock) Advance(d time.Duration) { c.now.Add(uint64(d.Milliseconds())) }
