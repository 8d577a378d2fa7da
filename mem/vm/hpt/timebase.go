package hpt

import (
	"sync/atomic"
	"time"
)

// TimeBase is a free-running counter used to pick eviction victims.
type TimeBase interface {
	Read() uint64
}

// freeRunningTimeBase ticks with the wall clock and never repeats a value.
type freeRunningTimeBase struct {
	start time.Time
	last  atomic.Uint64
}

// NewFreeRunningTimeBase returns a TimeBase driven by the monotonic clock.
func NewFreeRunningTimeBase() TimeBase {
	return &freeRunningTimeBase{start: time.Now()}
}

func (tb *freeRunningTimeBase) Read() uint64 {
	now := uint64(time.Since(tb.start).Nanoseconds())

	for {
		last := tb.last.Load()
		if now <= last {
			now = last + 1
		}

		if tb.last.CompareAndSwap(last, now) {
			return now
		}
	}
}
