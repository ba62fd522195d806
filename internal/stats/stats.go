// Package stats accumulates per-destination delivery counters and derives
// rates from them. Counters are monotonically non-decreasing and updated
// only by flush outcomes.
package stats

import (
	"sync/atomic"
	"time"
)

// Stats holds the counters for one destination.
type Stats struct {
	sent              atomic.Uint64
	failed            atomic.Uint64
	dropped           atomic.Uint64
	rejectedByBreaker atomic.Uint64

	startTime time.Time
	nowFn     func() time.Time
}

// New creates stats with the rate clock started now.
func New() *Stats {
	s := &Stats{nowFn: time.Now}
	s.startTime = s.nowFn()
	return s
}

// RecordSent adds n successfully delivered records.
func (s *Stats) RecordSent(n int) { s.sent.Add(uint64(n)) }

// RecordFailed adds n records whose delivery attempt failed.
func (s *Stats) RecordFailed(n int) { s.failed.Add(uint64(n)) }

// RecordDropped adds n records shed before entering the queue (validation
// rejects and full-queue sheds).
func (s *Stats) RecordDropped(n int) { s.dropped.Add(uint64(n)) }

// RecordRejectedByBreaker adds n records whose flush was fast-failed by an
// open circuit.
func (s *Stats) RecordRejectedByBreaker(n int) { s.rejectedByBreaker.Add(uint64(n)) }

// Sent returns the delivered-record count.
func (s *Stats) Sent() uint64 { return s.sent.Load() }

// Failed returns the failed-delivery count.
func (s *Stats) Failed() uint64 { return s.failed.Load() }

// Dropped returns the shed-record count.
func (s *Stats) Dropped() uint64 { return s.dropped.Load() }

// RejectedByBreaker returns the breaker fast-fail count.
func (s *Stats) RejectedByBreaker() uint64 { return s.rejectedByBreaker.Load() }

// SuccessRate returns sent/(sent+failed) as a percentage; 0 before any
// delivery attempt.
func (s *Stats) SuccessRate() float64 {
	sent := s.sent.Load()
	total := sent + s.failed.Load()
	if total == 0 {
		return 0
	}
	return float64(sent) / float64(total) * 100
}

// Throughput returns delivered records per second since construction.
func (s *Stats) Throughput() float64 {
	elapsed := s.nowFn().Sub(s.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.sent.Load()) / elapsed
}
