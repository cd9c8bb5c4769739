// Package dedup implements the single-flight request deduplication map
// used by akavache/fetch to collapse concurrent GetOrFetch calls for the
// same (type, key) into one underlying fetch.
//
// The execution-coalescing guarantee comes directly from
// golang.org/x/sync/singleflight.Group, used exactly as warming.Service
// already uses it (a `deduper singleflight.Group` field deduplicating
// concurrent origin fetches). SharedFuture is a thin per-caller wrapper
// around the channel DoChan returns, added because singleflight's own
// channel delivers its result exactly once and cannot be read twice: a
// caller that holds the future and awaits it more than once, or after it
// has already terminated, must keep observing the same result.
// SharedFuture drains the underlying channel once and caches the outcome,
// which is exactly the replay-last behavior the hand-rolled
// RequestCoalescer (cache-manager/singleflight.go, a sync.WaitGroup-gated
// `call` struct) provided before this package superseded it.
package dedup

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// FetchFunc performs the actual external fetch. It is invoked at most once
// per in-flight (type, key) pair.
type FetchFunc func(ctx context.Context) ([]byte, error)

// SharedFuture is a multicast, replay-last handle on one in-flight (or
// already-completed) fetch.
type SharedFuture struct {
	done chan struct{}
	val  []byte
	err  error
}

// Wait blocks until the fetch terminates (or ctx is done), returning the
// same (value, error) to every caller, including callers that call Wait
// again after the first terminal event — no "future already consumed"
// error.
func (f *SharedFuture) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deduplicator is the concurrent map (type_name, key) -> SharedFuture of
// in-flight fetches. There is no time-based eviction: an entry disappears
// the moment its fetch terminates.
type Deduplicator struct {
	group    singleflight.Group
	inFlight atomic.Int64
}

// New creates an empty Deduplicator.
func New() *Deduplicator {
	return &Deduplicator{}
}

// GetOrCreate returns the existing SharedFuture for (typeName, key) if a
// fetch is already in flight, multicasting its result to this caller too;
// otherwise it starts fetch and returns a new SharedFuture for it.
func (d *Deduplicator) GetOrCreate(ctx context.Context, typeName, key string, fetch FetchFunc) *SharedFuture {
	compositeKey := typeName + "\x00" + key

	resultCh := d.group.DoChan(compositeKey, func() (interface{}, error) {
		d.inFlight.Add(1)
		defer d.inFlight.Add(-1)
		return fetch(ctx)
	})

	future := &SharedFuture{done: make(chan struct{})}
	go func() {
		res := <-resultCh
		if res.Val != nil {
			future.val, _ = res.Val.([]byte)
		}
		future.err = res.Err
		close(future.done)
	}()
	return future
}

// InFlight returns the number of fetches currently in progress, for
// monitoring (mirrors RequestCoalescer.InFlight()).
func (d *Deduplicator) InFlight() int64 {
	return d.inFlight.Load()
}
