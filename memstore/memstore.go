// Package memstore implements akavache.Cache as a volatile, in-process
// store. It generalizes cache-manager/cache.go's L1Cache (a
// map plus an intrusive container/list LRU under a sync.RWMutex) from an
// LRU-with-rolling-TTL cache into absolute ExpiresAt instead of a rolling
// TTL, plus an eagerly maintained type_name -> set<key> index. LRU/capacity
// eviction is dropped rather than carried over since this backend has no
// capacity bound (see DESIGN.md).
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/coldbrewdb/akavache"
	"github.com/coldbrewdb/akavache/bulk"
	"github.com/coldbrewdb/akavache/clock"
	"github.com/coldbrewdb/akavache/metrics"
)

// Store is the in-memory akavache.Cache implementation. All operations
// execute synchronously under a single mutex per cache instance.
type Store struct {
	mu       sync.RWMutex
	byKey    map[string]*akavache.Entry
	byType   map[string]map[string]struct{} // type name -> set of keys
	clock    clock.Clock
	disposed bool

	bulk    *bulk.Fallback
	metrics *metrics.Recorder
}

// New creates an empty in-memory cache using the system clock and no
// metrics recording.
func New() *Store {
	return NewWithClock(clock.Default)
}

// NewWithClock creates an empty in-memory cache using the supplied clock,
// primarily for deterministic tests via clock.Fake.
func NewWithClock(c clock.Clock) *Store {
	return NewWithOptions(c, nil)
}

// NewWithOptions creates an empty in-memory cache using the supplied
// clock, recording hit/miss/insert/invalidation/eviction counters into
// recorder when non-nil.
func NewWithOptions(c clock.Clock, recorder *metrics.Recorder) *Store {
	s := &Store{
		byKey:   make(map[string]*akavache.Entry),
		byType:  make(map[string]map[string]struct{}),
		clock:   c,
		metrics: recorder,
	}
	s.bulk = bulk.New(s)
	return s
}

func (s *Store) recordHit() {
	if s.metrics != nil {
		s.metrics.RecordHit()
	}
}

func (s *Store) recordMiss() {
	if s.metrics != nil {
		s.metrics.RecordMiss()
	}
}

func (s *Store) recordInsert() {
	if s.metrics != nil {
		s.metrics.RecordInsert()
	}
}

func (s *Store) recordInvalidation() {
	if s.metrics != nil {
		s.metrics.RecordInvalidation()
	}
}

func (s *Store) recordEviction() {
	if s.metrics != nil {
		s.metrics.RecordEviction()
	}
}

var _ akavache.Cache = (*Store)(nil)

// Scheduler returns the clock backing this store.
func (s *Store) Scheduler() clock.Clock { return s.clock }

func (s *Store) checkDisposed() error {
	if s.disposed {
		return akavache.ErrDisposed
	}
	return nil
}

// Insert upserts key, maintaining the type index and removing key from any
// prior type bucket when re-inserting under a different type name.
func (s *Store) Insert(ctx context.Context, key string, value []byte, typeName string, expiresAt time.Time) error {
	if key == "" {
		return akavache.ErrArgumentInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDisposed(); err != nil {
		return err
	}
	s.insertLocked(key, value, typeName, expiresAt)
	s.recordInsert()
	return nil
}

func (s *Store) insertLocked(key string, value []byte, typeName string, expiresAt time.Time) {
	if prev, ok := s.byKey[key]; ok && prev.HasType() {
		s.removeFromTypeIndexLocked(prev.TypeName, key)
	}

	entryValue := make([]byte, len(value))
	copy(entryValue, value)

	s.byKey[key] = &akavache.Entry{
		Key:       key,
		TypeName:  typeName,
		Value:     entryValue,
		CreatedAt: s.clock.Now(),
		ExpiresAt: expiresAt,
	}

	if typeName != "" {
		set, ok := s.byType[typeName]
		if !ok {
			set = make(map[string]struct{})
			s.byType[typeName] = set
		}
		set[key] = struct{}{}
	}
}

func (s *Store) removeFromTypeIndexLocked(typeName, key string) {
	if set, ok := s.byType[typeName]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(s.byType, typeName)
		}
	}
}

// InsertMany delegates to the bulk fallback's sequential InsertMany since
// the in-memory backend has no native batch insert path.
func (s *Store) InsertMany(ctx context.Context, pairs []akavache.Pair, typeName string, expiresAt time.Time) error {
	return s.bulk.InsertMany(ctx, pairs, typeName, expiresAt)
}

// Get returns the live value for key scoped to typeName.
func (s *Store) Get(ctx context.Context, key string, typeName string) ([]byte, error) {
	if key == "" {
		return nil, akavache.ErrArgumentInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDisposed(); err != nil {
		return nil, err
	}

	entry, ok := s.getLiveLocked(key, typeName)
	if !ok {
		s.recordMiss()
		return nil, akavache.ErrNotFound
	}
	s.recordHit()
	out := make([]byte, len(entry.Value))
	copy(out, entry.Value)
	return out, nil
}

// getLiveLocked returns the entry for key if present, matching typeName
// (when non-empty) and not expired; it evicts the entry on discovery of
// expiry.
func (s *Store) getLiveLocked(key string, typeName string) (*akavache.Entry, bool) {
	entry, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	if typeName != "" && entry.TypeName != typeName {
		return nil, false
	}
	if entry.IsExpired(s.clock.Now()) {
		s.deleteLocked(key)
		s.recordEviction()
		return nil, false
	}
	return entry, true
}

func (s *Store) deleteLocked(key string) {
	entry, ok := s.byKey[key]
	if !ok {
		return
	}
	delete(s.byKey, key)
	if entry.HasType() {
		s.removeFromTypeIndexLocked(entry.TypeName, key)
	}
}

// GetMany streams the live values for the requested keys, silently
// skipping missing or expired ones.
func (s *Store) GetMany(ctx context.Context, keys []string, typeName string) *akavache.Stream[akavache.Pair] {
	ch := make(chan akavache.Pair)
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(errCh)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkDisposed(); err != nil {
			errCh <- err
			return
		}
		for _, k := range keys {
			entry, ok := s.getLiveLocked(k, typeName)
			if !ok {
				continue
			}
			value := make([]byte, len(entry.Value))
			copy(value, entry.Value)
			select {
			case ch <- akavache.Pair{Key: k, Value: value}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return akavache.NewStream[akavache.Pair](ch, errCh)
}

// GetAll streams every live (key, value) tagged with typeName, using the
// type index.
func (s *Store) GetAll(ctx context.Context, typeName string) *akavache.Stream[akavache.Pair] {
	ch := make(chan akavache.Pair)
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(errCh)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkDisposed(); err != nil {
			errCh <- err
			return
		}
		for k := range s.byType[typeName] {
			entry, ok := s.getLiveLocked(k, typeName)
			if !ok {
				continue
			}
			value := make([]byte, len(entry.Value))
			copy(value, entry.Value)
			select {
			case ch <- akavache.Pair{Key: k, Value: value}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return akavache.NewStream[akavache.Pair](ch, errCh)
}

// GetAllKeys streams every live key, optionally scoped to typeName.
func (s *Store) GetAllKeys(ctx context.Context, typeName string) *akavache.Stream[string] {
	ch := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(errCh)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.checkDisposed(); err != nil {
			errCh <- err
			return
		}

		var candidates []string
		if typeName != "" {
			for k := range s.byType[typeName] {
				candidates = append(candidates, k)
			}
		} else {
			for k := range s.byKey {
				candidates = append(candidates, k)
			}
		}

		for _, k := range candidates {
			if _, ok := s.getLiveLocked(k, ""); !ok {
				continue
			}
			select {
			case ch <- k:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return akavache.NewStream[string](ch, errCh)
}

// GetCreatedAt returns key's creation instant, never erroring on a missing
// key.
func (s *Store) GetCreatedAt(ctx context.Context, key string, typeName string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkDisposed(); err != nil {
		return time.Time{}, false, err
	}
	entry, ok := s.byKey[key]
	if !ok || (typeName != "" && entry.TypeName != typeName) || entry.IsExpired(s.clock.Now()) {
		return time.Time{}, false, nil
	}
	return entry.CreatedAt, true, nil
}

// Flush is a no-op for the in-memory backend: there is no write queue to drain.
func (s *Store) Flush(ctx context.Context, typeName string) error {
	return s.checkDisposed()
}

// Invalidate removes key; it is a no-op (not an error) when absent.
func (s *Store) Invalidate(ctx context.Context, key string, typeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDisposed(); err != nil {
		return err
	}
	if entry, ok := s.byKey[key]; ok {
		if typeName == "" || entry.TypeName == typeName {
			s.deleteLocked(key)
			s.recordInvalidation()
		}
	}
	return nil
}

// InvalidateMany removes each of keys; idempotent.
func (s *Store) InvalidateMany(ctx context.Context, keys []string, typeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDisposed(); err != nil {
		return err
	}
	for _, k := range keys {
		if entry, ok := s.byKey[k]; ok {
			if typeName == "" || entry.TypeName == typeName {
				s.deleteLocked(k)
				s.recordInvalidation()
			}
		}
	}
	return nil
}

// InvalidateAll removes every entry, or every entry of typeName.
func (s *Store) InvalidateAll(ctx context.Context, typeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDisposed(); err != nil {
		return err
	}
	if typeName == "" {
		s.byKey = make(map[string]*akavache.Entry)
		s.byType = make(map[string]map[string]struct{})
		return nil
	}
	for k := range s.byType[typeName] {
		delete(s.byKey, k)
	}
	delete(s.byType, typeName)
	return nil
}

// Vacuum sweeps every entry whose ExpiresAt has passed.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDisposed(); err != nil {
		return err
	}
	now := s.clock.Now()
	for k, entry := range s.byKey {
		if entry.IsExpired(now) {
			s.deleteLocked(k)
			s.recordEviction()
		}
	}
	return nil
}

// Shutdown marks the store disposed; subsequent operations return
// ErrDisposed. Safe to call more than once.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.byKey = nil
	s.byType = nil
	return nil
}
