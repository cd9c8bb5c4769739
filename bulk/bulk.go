// Package bulk synthesizes the bulk operations (GetMany, InsertMany,
// InvalidateMany) from a backend's single-key operations, for backends
// that have no native batch path. akavache/sqlstore bypasses this package
// entirely, driving its own native batch path through akavache/opqueue;
// akavache/memstore uses only its InsertMany.
//
// The bounded-parallelism GetMany is built on golang.org/x/sync/errgroup,
// the natural pairing with the singleflight package warming.Service already
// depends on from the same module (golang.org/x/sync) — not used verbatim
// elsewhere, but the idiomatic Go construct for "bounded concurrent
// fan-out, first error wins" that the worker-pool shape in
// warming/worker_pool.go approximates by hand with a fixed goroutine pool.
package bulk

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coldbrewdb/akavache"
)

// maxParallelGets bounds GetMany's fan-out to a small, fixed degree of
// parallelism.
const maxParallelGets = 4

// singleKeyCache is the minimal surface bulk.Fallback needs; it is
// satisfied by the single-key methods of akavache.Cache.
type singleKeyCache interface {
	Insert(ctx context.Context, key string, value []byte, typeName string, expiresAt time.Time) error
	Get(ctx context.Context, key string, typeName string) ([]byte, error)
	Invalidate(ctx context.Context, key string, typeName string) error
}

// Fallback adapts a singleKeyCache's single-key operations into the bulk
// operations of akavache.Cache.
type Fallback struct {
	backend singleKeyCache
}

// New wraps backend with the bulk fallback.
func New(backend singleKeyCache) *Fallback {
	return &Fallback{backend: backend}
}

// GetMany runs bounded-parallel Get calls, swallowing per-key ErrNotFound
// so missing keys are simply absent from the stream rather than failing
// the whole call.
func (f *Fallback) GetMany(ctx context.Context, keys []string, typeName string) *akavache.Stream[akavache.Pair] {
	ch := make(chan akavache.Pair)
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(errCh)

		g, gctx := errgroup.WithContext(ctx)
		sem := make(chan struct{}, maxParallelGets)

		for _, key := range keys {
			key := key
			sem <- struct{}{}
			g.Go(func() error {
				defer func() { <-sem }()

				value, err := f.backend.Get(gctx, key, typeName)
				if err != nil {
					if errors.Is(err, akavache.ErrNotFound) {
						return nil
					}
					return err
				}
				select {
				case ch <- akavache.Pair{Key: key, Value: value}:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}

		if err := g.Wait(); err != nil {
			errCh <- err
		}
	}()

	return akavache.NewStream[akavache.Pair](ch, errCh)
}

// InsertMany performs sequential Insert calls, succeeding only after the
// final one.
func (f *Fallback) InsertMany(ctx context.Context, pairs []akavache.Pair, typeName string, expiresAt time.Time) error {
	for _, p := range pairs {
		if err := f.backend.Insert(ctx, p.Key, p.Value, typeName, expiresAt); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateMany performs sequential Invalidate calls; idempotent.
func (f *Fallback) InvalidateMany(ctx context.Context, keys []string, typeName string) error {
	for _, key := range keys {
		if err := f.backend.Invalidate(ctx, key, typeName); err != nil {
			return err
		}
	}
	return nil
}
