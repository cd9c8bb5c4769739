// Package metrics tracks cache performance counters, generalizing
// monitoring.MetricsCollector (atomic counters for hits, misses,
// sets, deletes, evictions, invalidations, warmings, errors) down to the
// counters this cache's operations actually produce, and dropping the
// ring-buffer latency histogram and sliding-window aggregator since
// nothing in this module needs percentile latency tracking — a plain
// snapshot of counters is enough ambient observability for a library.
package metrics

import (
	"sync/atomic"
)

// Recorder accumulates cache performance counters with atomic, lock-free
// updates, safe for concurrent use from every cache operation.
type Recorder struct {
	hits          atomic.Int64
	misses        atomic.Int64
	inserts       atomic.Int64
	invalidations atomic.Int64
	evictions     atomic.Int64
	errors        atomic.Int64
	queueDepth    atomic.Int64
}

// New creates an empty Recorder.
func New() *Recorder {
	return &Recorder{}
}

// RecordHit increments the cache-hit counter.
func (r *Recorder) RecordHit() { r.hits.Add(1) }

// RecordMiss increments the cache-miss counter.
func (r *Recorder) RecordMiss() { r.misses.Add(1) }

// RecordInsert increments the insert counter.
func (r *Recorder) RecordInsert() { r.inserts.Add(1) }

// RecordInvalidation increments the invalidation counter.
func (r *Recorder) RecordInvalidation() { r.invalidations.Add(1) }

// RecordEviction increments the counter of entries removed by Vacuum or
// discovered expired on read.
func (r *Recorder) RecordEviction() { r.evictions.Add(1) }

// RecordError increments the backend-error counter.
func (r *Recorder) RecordError() { r.errors.Add(1) }

// SetQueueDepth reports the current depth of a backend's write queue (for
// backends with one, e.g. akavache/opqueue); backends without a queue
// simply never call it, leaving the gauge at zero.
func (r *Recorder) SetQueueDepth(depth int64) { r.queueDepth.Store(depth) }

// Counters is an immutable snapshot of a Recorder's counters.
type Counters struct {
	Hits          int64
	Misses        int64
	Inserts       int64
	Invalidations int64
	Evictions     int64
	Errors        int64
	QueueDepth    int64
}

// HitRate returns Hits / (Hits + Misses), or 0 when there have been no
// lookups yet.
func (c Counters) HitRate() float64 {
	total := c.Hits + c.Misses
	if total == 0 {
		return 0
	}
	return float64(c.Hits) / float64(total)
}

// Snapshot returns the current counter values.
func (r *Recorder) Snapshot() Counters {
	return Counters{
		Hits:          r.hits.Load(),
		Misses:        r.misses.Load(),
		Inserts:       r.inserts.Load(),
		Invalidations: r.invalidations.Load(),
		Evictions:     r.evictions.Load(),
		Errors:        r.errors.Load(),
		QueueDepth:    r.queueDepth.Load(),
	}
}
