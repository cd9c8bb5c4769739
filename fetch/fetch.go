// Package fetch implements the fetch-and-cache operations (GetOrFetch,
// GetOrCreate, GetAndFetchLatest): read the cache, and on a miss run one
// origin fetch (with retries) shared by all concurrent callers for the
// same key, caching the result before returning it.
//
// Single-flight coalescing is delegated to akavache/dedup, which is itself
// grounded on golang.org/x/sync/singleflight the way warming.Service uses
// it. Retry-with-backoff around the origin call is grounded on
// warming/worker_pool.go's retryTask, which retries
// config.RetryAttempts times with exponential backoff plus jitter; the
// shape here is the same, generalized to any FetchFunc rather than a fixed
// WarmTask.
package fetch

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/coldbrewdb/akavache"
	"github.com/coldbrewdb/akavache/dedup"
	"github.com/coldbrewdb/akavache/internal/corrlog"
)

// FetchFunc retrieves key's value from an origin outside the cache.
type FetchFunc func(ctx context.Context, key string) ([]byte, error)

// Options configures retry behavior and, optionally, rate limiting around
// the origin call.
type Options struct {
	// RetryAttempts is the number of calls to FetchFunc attempted before
	// giving up, including the first. Zero or negative means exactly 1 (no
	// retry).
	RetryAttempts int
	// BackoffBase is the base duration for exponential backoff between
	// attempts, per warming/worker_pool.go's retryTask.
	BackoffBase time.Duration
	// OriginLimiter, when non-nil, is waited on before every call to
	// fetchFn (including retries), protecting a rate-sensitive origin the
	// way warming.Service protects its own origin calls. Nil means
	// unlimited.
	OriginLimiter *rate.Limiter
}

// DefaultOptions mirrors warming.DefaultConfig's retry parameters
// (RetryAttempts: 3, BackoffBase: 100ms) with no origin rate limit.
func DefaultOptions() Options {
	return Options{RetryAttempts: 3, BackoffBase: 100 * time.Millisecond}
}

// Fetcher implements fetch-and-cache over a Cache, coalescing concurrent
// fetches for the same (type, key) through a dedup.Deduplicator.
type Fetcher struct {
	cache akavache.Cache
	dedup *dedup.Deduplicator
	opts  Options
}

// New creates a Fetcher over cache with the given retry options.
func New(cache akavache.Cache, opts Options) *Fetcher {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	return &Fetcher{cache: cache, dedup: dedup.New(), opts: opts}
}

// GetOrFetch returns the cached value for key if present and live;
// otherwise it runs one fetch shared by all concurrent callers (fetchFn
// with up to opts.RetryAttempts attempts), inserts the result under
// typeName/expiresAt, and returns it.
func (f *Fetcher) GetOrFetch(ctx context.Context, key, typeName string, expiresAt time.Time, fetchFn FetchFunc) ([]byte, error) {
	corrID := corrlog.NewID()
	fields := corrlog.Fields{"key": key, "type": typeName}

	if value, err := f.cache.Get(ctx, key, typeName); err == nil {
		corrlog.Info(corrID, "fetch.get_or_fetch.cache_hit", fields)
		return value, nil
	}

	future := f.dedup.GetOrCreate(ctx, typeName, key, func(ctx context.Context) ([]byte, error) {
		value, err := f.callWithRetry(ctx, key, fetchFn)
		if err != nil {
			corrlog.Error(corrID, "fetch.get_or_fetch.origin_failed", corrlog.Fields{"key": key, "type": typeName, "error": err.Error()})
			return nil, err
		}
		if err := f.cache.Insert(ctx, key, value, typeName, expiresAt); err != nil {
			return nil, err
		}
		return value, nil
	})
	value, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	corrlog.Info(corrID, "fetch.get_or_fetch.fetched", fields)
	return value, nil
}

// GetOrCreate is GetOrFetch under the name used when the "fetch" is really
// a default-value constructor (e.g. the typed layer's GetOrCreateObject)
// rather than a remote call. Behavior is identical: one shared factory
// run (with the same retries) per in-flight (type, key), cached before
// return.
func (f *Fetcher) GetOrCreate(ctx context.Context, key, typeName string, expiresAt time.Time, factory FetchFunc) ([]byte, error) {
	return f.GetOrFetch(ctx, key, typeName, expiresAt, factory)
}

// FetchPredicate decides, given the cached entry's creation time, whether a
// fresh fetch should even be attempted. A nil predicate always fetches.
type FetchPredicate func(createdAt time.Time) bool

// CacheValidationPredicate inspects a freshly fetched value and decides
// whether it should replace the cached entry. A nil predicate always
// accepts the fetched value.
type CacheValidationPredicate func(fetched []byte) bool

// LatestOptions configures one GetAndFetchLatest call.
type LatestOptions struct {
	// FetchPredicate, when non-nil, is evaluated against the cached entry's
	// creation time before the fresh fetch is attempted; returning false
	// skips the fetch entirely (only the cached value, if any, is emitted).
	FetchPredicate FetchPredicate
	// ShouldInvalidateOnError, when true, invalidates the cached entry if
	// the fresh fetch fails.
	ShouldInvalidateOnError bool
	// CacheValidationPredicate, when non-nil, is evaluated against a
	// successfully fetched value; returning false emits the fetched value
	// without touching the cache (neither inserting it nor invalidating
	// the existing entry).
	CacheValidationPredicate CacheValidationPredicate
}

// GetAndFetchLatest returns a stream that immediately yields the current
// cached value (if any), then performs a fresh fetch and yields its result
// too, updating the cache as a side effect unless opts.CacheValidationPredicate
// rejects it. A caller sees at most two values: the stale one (if a hit)
// and the fresh one. A fetch error always fails the stream, whether or not a
// stale value was already emitted; with opts.ShouldInvalidateOnError, the
// cached entry is invalidated first. The underlying fetch is deduplicated
// the same way GetOrFetch is, so concurrent GetAndFetchLatest calls for the
// same key share one fresh fetch.
func (f *Fetcher) GetAndFetchLatest(ctx context.Context, key, typeName string, expiresAt time.Time, fetchFn FetchFunc, opts LatestOptions) *akavache.Stream[[]byte] {
	ch := make(chan []byte, 2)
	errCh := make(chan error, 1)
	corrID := corrlog.NewID()
	fields := corrlog.Fields{"key": key, "type": typeName}

	go func() {
		defer close(ch)
		defer close(errCh)

		if value, err := f.cache.Get(ctx, key, typeName); err == nil {
			corrlog.Info(corrID, "fetch.get_and_fetch_latest.stale_emitted", fields)
			select {
			case ch <- value:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}

		if opts.FetchPredicate != nil {
			createdAt, ok, err := f.cache.GetCreatedAt(ctx, key, typeName)
			if err == nil && ok && !opts.FetchPredicate(createdAt) {
				corrlog.Info(corrID, "fetch.get_and_fetch_latest.skipped_by_predicate", fields)
				return
			}
		}

		future := f.dedup.GetOrCreate(ctx, typeName, key, func(ctx context.Context) ([]byte, error) {
			value, err := f.callWithRetry(ctx, key, fetchFn)
			if err != nil {
				if opts.ShouldInvalidateOnError {
					_ = f.cache.Invalidate(ctx, key, typeName)
				}
				return nil, err
			}
			if opts.CacheValidationPredicate != nil && !opts.CacheValidationPredicate(value) {
				return value, nil
			}
			if err := f.cache.Insert(ctx, key, value, typeName, expiresAt); err != nil {
				return nil, err
			}
			return value, nil
		})

		fresh, err := future.Wait(ctx)
		if err != nil {
			corrlog.Error(corrID, "fetch.get_and_fetch_latest.origin_failed", corrlog.Fields{"key": key, "type": typeName, "error": err.Error()})
			errCh <- err
			return
		}
		corrlog.Info(corrID, "fetch.get_and_fetch_latest.fetched", fields)
		select {
		case ch <- fresh:
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()

	return akavache.NewStream[[]byte](ch, errCh)
}

// callWithRetry invokes fetchFn up to opts.RetryAttempts times, backing off
// exponentially with jitter between attempts, per
// warming/worker_pool.go's retryTask.
func (f *Fetcher) callWithRetry(ctx context.Context, key string, fetchFn FetchFunc) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= f.opts.RetryAttempts; attempt++ {
		if f.opts.OriginLimiter != nil {
			if err := f.opts.OriginLimiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		value, err := fetchFn(ctx, key)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if attempt == f.opts.RetryAttempts {
			break
		}

		sleep := f.opts.BackoffBase * time.Duration(1<<uint(attempt-1))
		jitter := time.Duration(rand.Int63n(int64(sleep/2) + 1))
		select {
		case <-time.After(sleep + jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
