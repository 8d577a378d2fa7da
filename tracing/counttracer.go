package tracing

import "sync"

// CountTracer counts the records it sees per kind.
type CountTracer struct {
	lock   sync.Mutex
	counts map[string]uint64
}

// NewCountTracer creates a CountTracer.
func NewCountTracer() *CountTracer {
	return &CountTracer{counts: make(map[string]uint64)}
}

func (t *CountTracer) Trace(r Record) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.counts[r.What]++
}

// Count returns the number of records of a kind.
func (t *CountTracer) Count(what string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.counts[what]
}

// Counts returns a copy of all the counters.
func (t *CountTracer) Counts() map[string]uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	c := make(map[string]uint64, len(t.counts))
	for k, v := range t.counts {
		c[k] = v
	}

	return c
}
