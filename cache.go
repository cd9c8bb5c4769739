package akavache

import (
	"context"
	"time"

	"github.com/coldbrewdb/akavache/clock"
)

// Cache is the contract implemented by both the in-memory backend
// (akavache/memstore) and the persistent SQL-backed backend
// (akavache/sqlstore). It operates purely on raw key/bytes; typed access is
// layered on top by akavache/typed, and bulk operations default to the
// single-key fallback in akavache/bulk unless a backend overrides them.
//
// Every method may block on initialization or backend I/O; callers that
// need cancellation should race the returned error against ctx.Done() at
// the call site — the core itself imposes no timeouts.
type Cache interface {
	// Insert upserts key with value bytes, optionally tagging it with a
	// type name (maintaining the type index) and an absolute expiration.
	// A zero expiresAt means "never expires".
	Insert(ctx context.Context, key string, value []byte, typeName string, expiresAt time.Time) error

	// InsertMany is a best-effort atomic batch upsert; a backend may apply
	// its own operation-queue batching semantics underneath.
	InsertMany(ctx context.Context, pairs []Pair, typeName string, expiresAt time.Time) error

	// Get returns the value for key, scoped to typeName (empty = untyped
	// lookup). Returns ErrNotFound if the key is absent or expired.
	Get(ctx context.Context, key string, typeName string) ([]byte, error)

	// GetMany returns a stream of (key, value) for the requested keys.
	// Missing or expired keys are silently skipped, never erroring the
	// stream.
	GetMany(ctx context.Context, keys []string, typeName string) *Stream[Pair]

	// GetAll streams every live (key, value) tagged with typeName.
	GetAll(ctx context.Context, typeName string) *Stream[Pair]

	// GetAllKeys streams every live key, optionally scoped to typeName
	// (empty = all keys regardless of type).
	GetAllKeys(ctx context.Context, typeName string) *Stream[string]

	// GetCreatedAt returns the creation instant of key, or ok=false if
	// absent. It never errors on a missing key.
	GetCreatedAt(ctx context.Context, key string, typeName string) (t time.Time, ok bool, err error)

	// Flush drains any buffered writes and blocks until they are durable.
	// It is a no-op for the in-memory backend.
	Flush(ctx context.Context, typeName string) error

	// Invalidate removes key (scoped to typeName). It is idempotent and
	// never returns ErrNotFound.
	Invalidate(ctx context.Context, key string, typeName string) error

	// InvalidateMany removes each of keys (scoped to typeName). Idempotent.
	InvalidateMany(ctx context.Context, keys []string, typeName string) error

	// InvalidateAll removes every entry, or every entry of typeName when
	// typeName is non-empty.
	InvalidateAll(ctx context.Context, typeName string) error

	// Vacuum removes expired entries and, for persistent backends, may also
	// compact on-disk storage.
	Vacuum(ctx context.Context) error

	// Shutdown disposes the cache. It completes once after the final flush
	// and close; subsequent calls return immediately.
	Shutdown(ctx context.Context) error

	// Scheduler returns the executor handle relative-expiration helpers use
	// for "now" and deferred work.
	Scheduler() clock.Clock
}
