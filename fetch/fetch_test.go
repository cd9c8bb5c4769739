package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/coldbrewdb/akavache"
	"github.com/coldbrewdb/akavache/memstore"
)

// countingOrigin simulates an origin data source with configurable
// transient failures, mirroring warming/service_test.go's MockOriginFetcher.
type countingOrigin struct {
	mu        sync.Mutex
	calls     atomic.Int64
	failTimes map[string]int
	value     []byte
}

func (o *countingOrigin) Fetch(ctx context.Context, key string) ([]byte, error) {
	o.calls.Add(1)
	o.mu.Lock()
	defer o.mu.Unlock()
	if remaining, ok := o.failTimes[key]; ok && remaining > 0 {
		o.failTimes[key]--
		return nil, fmt.Errorf("simulated origin failure for %s", key)
	}
	return o.value, nil
}

func TestGetOrFetchMissInvokesOriginOnce(t *testing.T) {
	cache := memstore.New()
	origin := &countingOrigin{value: []byte("fresh")}
	f := New(cache, DefaultOptions())

	value, err := f.GetOrFetch(context.Background(), "k1", "", time.Time{}, origin.Fetch)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if string(value) != "fresh" {
		t.Fatalf("got %q want fresh", value)
	}
	if origin.calls.Load() != 1 {
		t.Fatalf("expected 1 origin call, got %d", origin.calls.Load())
	}

	cached, err := cache.Get(context.Background(), "k1", "")
	if err != nil || string(cached) != "fresh" {
		t.Fatalf("expected value cached, got %q err %v", cached, err)
	}
}

func TestGetOrFetchHitSkipsOrigin(t *testing.T) {
	cache := memstore.New()
	origin := &countingOrigin{value: []byte("fresh")}
	f := New(cache, DefaultOptions())

	if err := cache.Insert(context.Background(), "k1", []byte("stale"), "", time.Time{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	value, err := f.GetOrFetch(context.Background(), "k1", "", time.Time{}, origin.Fetch)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if string(value) != "stale" {
		t.Fatalf("got %q want stale (origin should not be consulted)", value)
	}
	if origin.calls.Load() != 0 {
		t.Fatalf("expected 0 origin calls, got %d", origin.calls.Load())
	}
}

func TestGetOrFetchConcurrentCallersCoalesce(t *testing.T) {
	cache := memstore.New()
	origin := &countingOrigin{value: []byte("fresh")}
	f := New(cache, DefaultOptions())

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.GetOrFetch(context.Background(), "shared", "", time.Time{}, origin.Fetch)
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if origin.calls.Load() != 1 {
		t.Fatalf("expected exactly 1 origin call across 20 coalesced callers, got %d", origin.calls.Load())
	}
}

func TestGetOrFetchRetriesThenSucceeds(t *testing.T) {
	cache := memstore.New()
	origin := &countingOrigin{value: []byte("fresh"), failTimes: map[string]int{"k1": 2}}
	opts := Options{RetryAttempts: 3, BackoffBase: time.Millisecond}
	f := New(cache, opts)

	value, err := f.GetOrFetch(context.Background(), "k1", "", time.Time{}, origin.Fetch)
	if err != nil {
		t.Fatalf("GetOrFetch: %v", err)
	}
	if string(value) != "fresh" {
		t.Fatalf("got %q want fresh", value)
	}
	if origin.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", origin.calls.Load())
	}
}

func TestGetOrFetchExhaustsRetries(t *testing.T) {
	cache := memstore.New()
	origin := &countingOrigin{value: []byte("fresh"), failTimes: map[string]int{"k1": 10}}
	opts := Options{RetryAttempts: 2, BackoffBase: time.Millisecond}
	f := New(cache, opts)

	_, err := f.GetOrFetch(context.Background(), "k1", "", time.Time{}, origin.Fetch)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if origin.calls.Load() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", origin.calls.Load())
	}
	if _, getErr := cache.Get(context.Background(), "k1", ""); !errors.Is(getErr, akavache.ErrNotFound) {
		t.Fatalf("failed fetch should not populate cache, got %v", getErr)
	}
}

func TestGetAndFetchLatestEmitsStaleThenFresh(t *testing.T) {
	cache := memstore.New()
	if err := cache.Insert(context.Background(), "k1", []byte("stale"), "", time.Time{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	origin := &countingOrigin{value: []byte("fresh")}
	f := New(cache, DefaultOptions())

	stream := f.GetAndFetchLatest(context.Background(), "k1", "", time.Time{}, origin.Fetch, LatestOptions{})
	values, err := stream.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("expected 2 emitted values, got %d: %v", len(values), values)
	}
	if string(values[0]) != "stale" || string(values[1]) != "fresh" {
		t.Fatalf("unexpected emission order: %q then %q", values[0], values[1])
	}

	cached, err := cache.Get(context.Background(), "k1", "")
	if err != nil || string(cached) != "fresh" {
		t.Fatalf("expected cache updated to fresh value, got %q err %v", cached, err)
	}
}

func TestGetAndFetchLatestFetchPredicateSkipsFetch(t *testing.T) {
	cache := memstore.New()
	if err := cache.Insert(context.Background(), "k1", []byte("stale"), "", time.Time{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	origin := &countingOrigin{value: []byte("fresh")}
	f := New(cache, DefaultOptions())

	opts := LatestOptions{FetchPredicate: func(time.Time) bool { return false }}
	stream := f.GetAndFetchLatest(context.Background(), "k1", "", time.Time{}, origin.Fetch, opts)
	values, err := stream.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(values) != 1 || string(values[0]) != "stale" {
		t.Fatalf("expected only the cached value, got %v", values)
	}
	if origin.calls.Load() != 0 {
		t.Fatalf("expected fetch to be skipped by the predicate, got %d calls", origin.calls.Load())
	}
}

// TestGetAndFetchLatestInvalidatesOnErrorWhenRequested reproduces the
// scenario verbatim: pre-insert ("foo", "bar"), fetch fails with
// ShouldInvalidateOnError set, and the stream emits "bar" then errors.
func TestGetAndFetchLatestInvalidatesOnErrorWhenRequested(t *testing.T) {
	cache := memstore.New()
	if err := cache.Insert(context.Background(), "foo", []byte("bar"), "", time.Time{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	origin := &countingOrigin{value: nil, failTimes: map[string]int{"foo": 10}}
	opts := LatestOptions{ShouldInvalidateOnError: true}
	f := New(cache, Options{RetryAttempts: 1, BackoffBase: time.Millisecond})

	stream := f.GetAndFetchLatest(context.Background(), "foo", "", time.Time{}, origin.Fetch, opts)
	values, err := stream.Collect()
	if err == nil {
		t.Fatalf("expected the fetch error to fail the stream even after a stale value was emitted")
	}
	if len(values) != 1 || string(values[0]) != "bar" {
		t.Fatalf("expected the stream to emit bar before erroring, got %v", values)
	}
	if _, getErr := cache.Get(context.Background(), "foo", ""); !errors.Is(getErr, akavache.ErrNotFound) {
		t.Fatalf("expected the cached entry invalidated after the fetch error, got %v", getErr)
	}
}

// TestGetAndFetchLatestFailsStreamOnErrorWithoutInvalidation covers the
// should_invalidate_on_error=false branch: the stream still fails after
// emitting the stale value, but the existing entry survives.
func TestGetAndFetchLatestFailsStreamOnErrorWithoutInvalidation(t *testing.T) {
	cache := memstore.New()
	if err := cache.Insert(context.Background(), "foo", []byte("bar"), "", time.Time{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	origin := &countingOrigin{value: nil, failTimes: map[string]int{"foo": 10}}
	f := New(cache, Options{RetryAttempts: 1, BackoffBase: time.Millisecond})

	stream := f.GetAndFetchLatest(context.Background(), "foo", "", time.Time{}, origin.Fetch, LatestOptions{})
	values, err := stream.Collect()
	if err == nil {
		t.Fatalf("expected the fetch error to fail the stream")
	}
	if len(values) != 1 || string(values[0]) != "bar" {
		t.Fatalf("expected the stream to emit bar before erroring, got %v", values)
	}
	cached, getErr := cache.Get(context.Background(), "foo", "")
	if getErr != nil || string(cached) != "bar" {
		t.Fatalf("expected the cached entry left untouched, got %q err %v", cached, getErr)
	}
}

func TestGetAndFetchLatestCacheValidationPredicateRejectsUpdate(t *testing.T) {
	cache := memstore.New()
	if err := cache.Insert(context.Background(), "k1", []byte("stale"), "", time.Time{}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	origin := &countingOrigin{value: []byte("fresh")}
	opts := LatestOptions{CacheValidationPredicate: func([]byte) bool { return false }}
	f := New(cache, DefaultOptions())

	stream := f.GetAndFetchLatest(context.Background(), "k1", "", time.Time{}, origin.Fetch, opts)
	values, err := stream.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(values) != 2 || string(values[0]) != "stale" || string(values[1]) != "fresh" {
		t.Fatalf("expected stale then fresh emitted regardless of validation, got %v", values)
	}

	cached, err := cache.Get(context.Background(), "k1", "")
	if err != nil || string(cached) != "stale" {
		t.Fatalf("expected cache left untouched (still stale) when validation rejects, got %q err %v", cached, err)
	}
}

func TestGetOrFetchRespectsOriginLimiterCancellation(t *testing.T) {
	cache := memstore.New()
	origin := &countingOrigin{value: []byte("fresh")}
	opts := Options{RetryAttempts: 1, BackoffBase: time.Millisecond, OriginLimiter: rate.NewLimiter(rate.Limit(1), 1)}
	f := New(cache, opts)

	// Drain the single burst token so the next Wait would block.
	if !opts.OriginLimiter.Allow() {
		t.Fatalf("expected initial burst token to be available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.GetOrFetch(ctx, "k1", "", time.Time{}, origin.Fetch)
	if err == nil {
		t.Fatalf("expected context deadline error while waiting on the origin limiter")
	}
	if origin.calls.Load() != 0 {
		t.Fatalf("expected origin not to be called while limiter wait was pending, got %d calls", origin.calls.Load())
	}
}

func TestGetAndFetchLatestNoCacheSurfacesFetchError(t *testing.T) {
	cache := memstore.New()
	origin := &countingOrigin{value: nil, failTimes: map[string]int{"missing": 10}}
	opts := Options{RetryAttempts: 1, BackoffBase: time.Millisecond}
	f := New(cache, opts)

	stream := f.GetAndFetchLatest(context.Background(), "missing", "", time.Time{}, origin.Fetch, LatestOptions{})
	_, err := stream.Collect()
	if err == nil {
		t.Fatalf("expected fetch error to surface when there was no cached value")
	}
}
