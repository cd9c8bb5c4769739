// Package akavache implements an asynchronous, persistent key-value blob
// cache with per-entry absolute expiration, typed indexing, bulk
// operations, single-flight fetch-and-cache, and vacuuming of expired
// data.
//
// Design Philosophy:
//   - The raw byte-blob contract (this package) never interprets Value; it
//     is opaque to the engine. Typed access lives in akavache/typed.
//   - Expiration is absolute (ExpiresAt), never a rolling TTL, so the same
//     entry means the same thing regardless of when it is read.
//   - Every backend (akavache/memstore, akavache/sqlstore) implements the
//     same Cache interface so callers can swap storage without touching
//     call sites.
package akavache

import "time"

// NeverExpires is the sentinel ExpiresAt value meaning "no expiration".
var NeverExpires = time.Unix(0, 0).Add(1<<63 - 1)

// Entry is the canonical persisted unit: a key, an optional type name used
// for typed indexing, opaque value bytes, and the creation/expiration
// instants.
//
// Invariants:
//   - At most one Entry per Key within a store.
//   - CreatedAt <= ExpiresAt when both are meaningful (a zero ExpiresAt
//     means "no expiration", as does NeverExpires).
//   - An Entry with !ExpiresAt.After(now) is logically absent.
type Entry struct {
	Key       string
	TypeName  string // empty means "raw bytes, no type index membership"
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// HasType reports whether the entry participates in the type index.
func (e *Entry) HasType() bool {
	return e.TypeName != ""
}

// IsExpired reports whether the entry is logically absent at instant now.
func (e *Entry) IsExpired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return !e.ExpiresAt.After(now)
}

// Clone returns a deep copy of the entry (Value is copied).
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	value := make([]byte, len(e.Value))
	copy(value, e.Value)
	return &Entry{
		Key:       e.Key,
		TypeName:  e.TypeName,
		Value:     value,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
}
