// Package typed layers strongly-typed object storage on top of a raw
// akavache.Cache, generalizing pkg/models.Entry (a hand-written struct
// around []byte with its own TTL/expiry bookkeeping) into a generic Go
// accessor parameterized over any serializable T, with marshaling
// delegated to akavache/serialize instead of being inlined into the entry
// type itself.
package typed

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/coldbrewdb/akavache"
	"github.com/coldbrewdb/akavache/serialize"
)

// legacySeparator is the historical "<Type>___<key>" composite-key layout
// some callers wrote directly into an untyped cache before the type index
// existed. Accessor reads it as a fallback; it never writes it.
const legacySeparator = "___"

// Accessor provides typed Insert/Get/Invalidate operations for one Go type
// T over a single untyped Cache, scoped to one type name.
type Accessor[T any] struct {
	cache      akavache.Cache
	serializer serialize.Serializer
	typeName   string
}

// NewAccessor creates an Accessor for T, deriving its type name from T's
// reflected type (e.g. "mypkg.User"). Use NewAccessorNamed to override it
// explicitly, e.g. for cross-language interop where the name must match a
// fixed string.
func NewAccessor[T any](cache akavache.Cache, serializer serialize.Serializer) *Accessor[T] {
	return NewAccessorNamed[T](cache, serializer, typeNameOf[T]())
}

// NewAccessorNamed creates an Accessor for T under an explicit type name.
func NewAccessorNamed[T any](cache akavache.Cache, serializer serialize.Serializer, typeName string) *Accessor[T] {
	return &Accessor[T]{cache: cache, serializer: serializer, typeName: sanitizedTypeName(typeName)}
}

// TypeName returns the type-index name this accessor reads and writes.
func (a *Accessor[T]) TypeName() string { return a.typeName }

func typeNameOf[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return fmt.Sprintf("%T", zero)
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

func (a *Accessor[T]) legacyKey(key string) string {
	return a.typeName + legacySeparator + key
}

// Insert serializes value and upserts it under key in the type index.
func (a *Accessor[T]) Insert(ctx context.Context, key string, value T, expiresAt time.Time) error {
	data, err := a.serializer.Marshal(value)
	if err != nil {
		return fmt.Errorf("typed: marshal %s: %w", a.typeName, err)
	}
	return a.cache.Insert(ctx, key, data, a.typeName, expiresAt)
}

// InsertMany serializes and upserts every pair, sequentially, matching the
// underlying Cache.InsertMany contract.
func (a *Accessor[T]) InsertMany(ctx context.Context, values map[string]T, expiresAt time.Time) error {
	pairs := make([]akavache.Pair, 0, len(values))
	for key, value := range values {
		data, err := a.serializer.Marshal(value)
		if err != nil {
			return fmt.Errorf("typed: marshal %s: %w", a.typeName, err)
		}
		pairs = append(pairs, akavache.Pair{Key: key, Value: data})
	}
	return a.cache.InsertMany(ctx, pairs, a.typeName, expiresAt)
}

// Get returns the decoded T stored under key. If a typed lookup misses, it
// retries once against the legacy "<Type>___<key>" untyped layout before
// returning ErrNotFound, so pre-existing data written before the type
// index was introduced remains readable.
func (a *Accessor[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	data, err := a.cache.Get(ctx, key, a.typeName)
	if err != nil {
		if !errors.Is(err, akavache.ErrNotFound) {
			return zero, err
		}
		legacyData, legacyErr := a.cache.Get(ctx, a.legacyKey(key), "")
		if legacyErr != nil {
			return zero, akavache.ErrNotFound
		}
		data = legacyData
	}

	var out T
	if err := a.serializer.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("%w: %v", akavache.ErrDeserialization, err)
	}
	return out, nil
}

// GetOrCreateObject returns the stored T for key, or calls factory to
// produce a default value, inserts it, and returns it when absent. No
// coalescing is done: concurrent callers that all miss each call factory
// and insert its result, the last insert winning. Callers that need one
// factory call per key under concurrency use fetch.Fetcher.GetOrCreate.
func (a *Accessor[T]) GetOrCreateObject(ctx context.Context, key string, expiresAt time.Time, factory func() (T, error)) (T, error) {
	value, err := a.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, akavache.ErrNotFound) {
		var zero T
		return zero, err
	}

	created, err := factory()
	if err != nil {
		var zero T
		return zero, err
	}
	if err := a.Insert(ctx, key, created, expiresAt); err != nil {
		var zero T
		return zero, err
	}
	return created, nil
}

// GetAllObjects streams every live T tagged with this accessor's type.
// Entries that fail to deserialize are silently skipped rather than
// failing the whole stream, matching akavache.ErrDeserialization's
// documented handling.
func (a *Accessor[T]) GetAllObjects(ctx context.Context) *akavache.Stream[T] {
	pairs := a.cache.GetAll(ctx, a.typeName)

	ch := make(chan T)
	errCh := make(chan error, 1)
	go func() {
		defer close(ch)
		defer close(errCh)
		for pairs.Next() {
			var out T
			if err := a.serializer.Unmarshal(pairs.Value().Value, &out); err != nil {
				continue
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := pairs.Err(); err != nil {
			errCh <- err
		}
	}()
	return akavache.NewStream[T](ch, errCh)
}

// GetAllKeys streams every live key tagged with this accessor's type.
func (a *Accessor[T]) GetAllKeys(ctx context.Context) *akavache.Stream[string] {
	return a.cache.GetAllKeys(ctx, a.typeName)
}

// Invalidate removes key from this accessor's type scope. Idempotent.
func (a *Accessor[T]) Invalidate(ctx context.Context, key string) error {
	if err := a.cache.Invalidate(ctx, key, a.typeName); err != nil {
		return err
	}
	return a.cache.Invalidate(ctx, a.legacyKey(key), "")
}

// InvalidateAll removes every T this accessor has stored.
func (a *Accessor[T]) InvalidateAll(ctx context.Context) error {
	return a.cache.InvalidateAll(ctx, a.typeName)
}

// sanitizedTypeName strips characters that would be ambiguous in the
// legacy separator layout, so a caller-supplied custom type name can never
// collide with the "___" delimiter itself.
func sanitizedTypeName(name string) string {
	return strings.ReplaceAll(name, legacySeparator, "_")
}
