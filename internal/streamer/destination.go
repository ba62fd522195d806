package streamer

import (
	"sync"

	"github.com/entitysim/telemetry-streamer/internal/breaker"
	"github.com/entitysim/telemetry-streamer/internal/ratelimit"
	"github.com/entitysim/telemetry-streamer/internal/record"
	"github.com/entitysim/telemetry-streamer/internal/stats"
)

// destination owns everything one sink needs: its queue, circuit breaker,
// rate limiter and statistics. Destinations never share state.
type destination struct {
	name record.Destination

	mu    sync.Mutex
	queue []record.Record

	// flight serializes flushes: the size/timer path no-ops when a flush is
	// already in progress, the drain path waits its turn.
	flight sync.Mutex

	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	stats   *stats.Stats

	// flushChan carries size-threshold flush signals to the worker.
	flushChan chan struct{}
	done      chan struct{}

	maxQueue int
}

func newDestination(name record.Destination, b *breaker.Breaker, l *ratelimit.Limiter, maxQueue int) *destination {
	return &destination{
		name:      name,
		breaker:   b,
		limiter:   l,
		stats:     stats.New(),
		flushChan: make(chan struct{}, 1),
		done:      make(chan struct{}),
		maxQueue:  maxQueue,
	}
}

// enqueue appends a record at the tail. ok is false when the queue is at
// capacity and the record was shed; reached reports whether the queue now
// holds a full batch.
func (d *destination) enqueue(r record.Record, batchSize int) (ok, reached bool) {
	d.mu.Lock()
	if d.maxQueue > 0 && len(d.queue) >= d.maxQueue {
		d.mu.Unlock()
		return false, false
	}
	d.queue = append(d.queue, r)
	reached = len(d.queue) >= batchSize
	d.mu.Unlock()
	return true, reached
}

// signalFlush nudges the worker without blocking; a pending signal is enough.
func (d *destination) signalFlush() {
	select {
	case d.flushChan <- struct{}{}:
	default:
	}
}

// popBatch removes up to n records from the head of the queue.
func (d *destination) popBatch(n int) []record.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	if n > len(d.queue) {
		n = len(d.queue)
	}
	batch := make([]record.Record, n)
	copy(batch, d.queue[:n])
	d.queue = d.queue[n:]
	return batch
}

// requeue puts a failed batch back at the head, ahead of records enqueued
// after it, so the retried batch keeps head-of-line priority.
func (d *destination) requeue(batch []record.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	merged := make([]record.Record, 0, len(batch)+len(d.queue))
	merged = append(merged, batch...)
	merged = append(merged, d.queue...)
	d.queue = merged
}

func (d *destination) queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}
