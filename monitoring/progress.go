package monitoring

import (
	"sync"
	"time"
)

// WorkerProgress counts the operations one workload worker has finished in
// a round.
type WorkerProgress struct {
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// RoundProgress is a snapshot of a ProgressBar as served to the web page.
type RoundProgress struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	StartTime time.Time        `json:"start_time"`
	Total     uint64           `json:"total"`
	Completed uint64           `json:"completed"`
	Failed    uint64           `json:"failed"`
	Workers   []WorkerProgress `json:"workers"`
}

// A ProgressBar follows one workload round.
type ProgressBar struct {
	lock      sync.Mutex
	id        string
	name      string
	startTime time.Time
	total     uint64
	workers   []WorkerProgress
}

// Record counts one operation of the given worker. A non-nil err marks the
// operation failed.
func (b *ProgressBar) Record(worker int, err error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if worker < 0 || worker >= len(b.workers) {
		return
	}

	if err != nil {
		b.workers[worker].Failed++
		return
	}

	b.workers[worker].Completed++
}

// Snapshot returns the current counts of the round.
func (b *ProgressBar) Snapshot() RoundProgress {
	b.lock.Lock()
	defer b.lock.Unlock()

	p := RoundProgress{
		ID:        b.id,
		Name:      b.name,
		StartTime: b.startTime,
		Total:     b.total,
		Workers:   append([]WorkerProgress(nil), b.workers...),
	}

	for _, w := range b.workers {
		p.Completed += w.Completed
		p.Failed += w.Failed
	}

	return p
}
