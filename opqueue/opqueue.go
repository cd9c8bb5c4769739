// Package opqueue serializes writes to a single-writer SQL backend: a
// bounded channel of operations drained by one background goroutine, which
// batches whatever is queued at the start of a drain pass into a single
// transaction. This gives the SQLite-backed persistent store
// (akavache/sqlstore) the same "many logical writers, one physical writer"
// shape warming.WorkerPool gives origin warming, generalized from a fixed
// worker count to a single serialized writer because SQLite itself only
// ever allows one writer at a time.
//
// The execer abstraction a batched operation runs against mirrors the
// pattern used for blocked-cache rebuilds elsewhere in the ecosystem (an
// interface satisfied by both *sql.DB and *sql.Tx), specialized here to
// always be a *sql.Tx since every queued operation runs inside the current
// drain pass's transaction.
package opqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/coldbrewdb/akavache"
	"github.com/coldbrewdb/akavache/internal/corrlog"
)

// Operation is one unit of queued work, executed against the current drain
// pass's transaction.
type Operation func(tx *sql.Tx) error

type job struct {
	ctx      context.Context
	op       Operation
	resultCh chan error
}

// Queue is a single-writer operation queue over a *sql.DB.
type Queue struct {
	db       *sql.DB
	jobs     chan *job
	maxBatch int

	mu       sync.RWMutex
	closed   bool
	admitted sync.WaitGroup // in-flight Submit calls between their closed-check and their channel send

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a Queue over db with the given channel capacity (backpressure
// bound on Submit) and maxBatch (the most operations coalesced into one
// transaction per drain pass).
func New(db *sql.DB, capacity, maxBatch int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if maxBatch < 1 {
		maxBatch = 1
	}
	q := &Queue{
		db:       db,
		jobs:     make(chan *job, capacity),
		maxBatch: maxBatch,
		stopCh:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Submit enqueues op and blocks until it has executed (as part of some
// drain pass's transaction) or ctx is done. Submitting after Close returns
// ErrDisposed. Each call is tagged with its own correlation id, logged
// across enqueue, completion, and cancellation.
func (q *Queue) Submit(ctx context.Context, op Operation) error {
	corrID := corrlog.NewID()

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		corrlog.Warn(corrID, "opqueue.submit.rejected", corrlog.Fields{"reason": "disposed"})
		return akavache.ErrDisposed
	}
	q.admitted.Add(1)
	q.mu.RUnlock()
	defer q.admitted.Done()

	j := &job{ctx: ctx, op: op, resultCh: make(chan error, 1)}
	corrlog.Info(corrID, "opqueue.submit.enqueue", corrlog.Fields{"queue_depth": len(q.jobs)})

	select {
	case q.jobs <- j:
	case <-ctx.Done():
		corrlog.Warn(corrID, "opqueue.submit.cancelled", corrlog.Fields{"stage": "enqueue"})
		return ctx.Err()
	}

	select {
	case err := <-j.resultCh:
		if err != nil {
			corrlog.Error(corrID, "opqueue.submit.failed", corrlog.Fields{"error": err.Error()})
		} else {
			corrlog.Info(corrID, "opqueue.submit.completed", corrlog.Fields{})
		}
		return err
	case <-ctx.Done():
		corrlog.Warn(corrID, "opqueue.submit.cancelled", corrlog.Fields{"stage": "wait"})
		return ctx.Err()
	}
}

// Depth reports how many operations are currently buffered ahead of the
// writer goroutine, for metrics.Recorder.SetQueueDepth.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Flush blocks until every operation submitted before this call has
// completed. It works by submitting a no-op barrier: since the queue
// drains strictly in submission order, the barrier cannot complete before
// everything ahead of it does.
func (q *Queue) Flush(ctx context.Context) error {
	return q.Submit(ctx, func(tx *sql.Tx) error { return nil })
}

// Close stops the queue from accepting new operations, waits for every
// already-admitted Submit call to return, then drains and runs whatever
// ended up buffered before returning. Safe to call more
// than once.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		q.admitted.Wait()
		close(q.stopCh)
	})
	q.wg.Wait()
	return nil
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case first := <-q.jobs:
			q.runBatch(q.collectBatch(first))
		case <-q.stopCh:
			q.drainRemaining()
			return
		}
	}
}

// collectBatch gathers up to maxBatch jobs already buffered in the channel
// without blocking, starting from first.
func (q *Queue) collectBatch(first *job) []*job {
	batch := []*job{first}
	for len(batch) < q.maxBatch {
		select {
		case j := <-q.jobs:
			batch = append(batch, j)
		default:
			return batch
		}
	}
	return batch
}

func (q *Queue) drainRemaining() {
	for {
		select {
		case j := <-q.jobs:
			q.runBatch([]*job{j})
		default:
			return
		}
	}
}

// runBatch executes every job in batch inside one transaction. If any
// operation fails, the whole transaction is rolled back and every
// participant in the batch (not only the one whose operation failed)
// receives the same akavache.ErrBackendFailure, since none of their writes
// took effect. A participant whose context was already done when its turn
// came is skipped and receives akavache.ErrCancelled instead.
func (q *Queue) runBatch(batch []*job) {
	tx, err := q.db.Begin()
	if err != nil {
		wrapped := fmt.Errorf("%w: begin transaction: %v", akavache.ErrBackendFailure, err)
		for _, j := range batch {
			j.resultCh <- wrapped
		}
		return
	}

	results := make([]error, len(batch))
	var batchErr error
	for i, j := range batch {
		if j.ctx.Err() != nil {
			results[i] = akavache.ErrCancelled
			continue
		}
		if err := j.op(tx); err != nil {
			batchErr = fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
			break
		}
	}

	if batchErr != nil {
		_ = tx.Rollback()
		for i, j := range batch {
			if errors.Is(results[i], akavache.ErrCancelled) {
				j.resultCh <- results[i]
				continue
			}
			j.resultCh <- batchErr
		}
		return
	}

	if err := tx.Commit(); err != nil {
		wrapped := fmt.Errorf("%w: commit: %v", akavache.ErrBackendFailure, err)
		for i, j := range batch {
			if errors.Is(results[i], akavache.ErrCancelled) {
				j.resultCh <- results[i]
				continue
			}
			j.resultCh <- wrapped
		}
		return
	}

	for i, j := range batch {
		j.resultCh <- results[i]
	}
}
