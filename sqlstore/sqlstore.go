// Package sqlstore implements akavache.Cache as a single-file SQLite
// database, generalizing the in-memory L1/SQL L2 split (cache-manager plus
// the PostgreSQL-backed invalidation audit log) into one persistent
// backend whose writes are serialized through akavache/opqueue and whose
// schema/PRAGMA setup follows the WAL-journal-mode pattern shown across
// other SQLite-backed caches (the persistent_cache and blocked_issues_cache
// shapes). Reads bypass the operation queue entirely and hit the database
// directly, since SQLite's WAL mode allows concurrent readers alongside the
// single writer. A Store optionally installs BeforeWrite/AfterRead filters
// (identity by default) so the registry's secure namespace can layer
// encryption on top without this package knowing about it.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/coldbrewdb/akavache"
	"github.com/coldbrewdb/akavache/clock"
	"github.com/coldbrewdb/akavache/metrics"
	"github.com/coldbrewdb/akavache/opqueue"
	"github.com/coldbrewdb/akavache/serialize"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	type_name TEXT NOT NULL DEFAULT '',
	value BLOB NOT NULL,
	created_at_ticks INTEGER NOT NULL,
	expires_at_ticks INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_type ON cache_entries(type_name);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at_ticks);
`

// Filter transforms a stored value on its way in (BeforeWrite) or out
// (AfterRead). Used by the secure/encrypted namespace to install an
// encrypt/decrypt pair; identity for every other namespace.
type Filter func([]byte) ([]byte, error)

func identityFilter(b []byte) ([]byte, error) { return b, nil }

// Options configures a Store's operation queue, busy behavior, and
// optional before_write/after_read filters.
type Options struct {
	// QueueCapacity bounds how many writes may be buffered ahead of the
	// single SQLite writer before Submit blocks (backpressure).
	QueueCapacity int
	// MaxBatch bounds how many queued writes are coalesced into one
	// transaction per drain pass.
	MaxBatch int
	// BusyTimeout is the SQLite busy_timeout PRAGMA value.
	BusyTimeout time.Duration
	// BeforeWrite, if non-nil, transforms every value immediately before it
	// is persisted (e.g. encryption). Defaults to identity.
	BeforeWrite Filter
	// AfterRead, if non-nil, transforms every value immediately after it is
	// loaded (e.g. decryption). Defaults to identity.
	AfterRead Filter
	// Metrics, when non-nil, receives hit/miss/insert/invalidation/eviction/
	// error counts and the operation queue's depth.
	Metrics *metrics.Recorder
}

// DefaultOptions mirrors warming.Config's proportions scaled down for a
// single-writer embedded database. Filters default to identity.
func DefaultOptions() Options {
	return Options{QueueCapacity: 256, MaxBatch: 32, BusyTimeout: 5 * time.Second}
}

// Store is the persistent, SQLite-backed akavache.Cache implementation.
type Store struct {
	db          *sql.DB
	queue       *opqueue.Queue
	clock       clock.Clock
	beforeWrite Filter
	afterRead   Filter
	metrics     *metrics.Recorder
	disposed    atomic.Bool
}

var _ akavache.Cache = (*Store)(nil)

// Open opens (creating if necessary) the SQLite database at path and
// prepares its schema.
func Open(path string, opts Options) (*Store, error) {
	return OpenWithClock(path, opts, clock.Default)
}

// OpenWithClock is Open with an explicit clock, for deterministic tests.
func OpenWithClock(path string, opts Options, c clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", akavache.ErrBackendFailure, path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %s: %v", akavache.ErrBackendFailure, p, err)
		}
	}

	if err := migrateSchema(db, c.Now()); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema migration: %v", akavache.ErrBackendFailure, err)
	}

	beforeWrite, afterRead := opts.BeforeWrite, opts.AfterRead
	if beforeWrite == nil {
		beforeWrite = identityFilter
	}
	if afterRead == nil {
		afterRead = identityFilter
	}

	return &Store{
		db:          db,
		queue:       opqueue.New(db, opts.QueueCapacity, opts.MaxBatch),
		clock:       c,
		beforeWrite: beforeWrite,
		afterRead:   afterRead,
		metrics:     opts.Metrics,
	}, nil
}

// Scheduler returns the clock backing this store.
func (s *Store) Scheduler() clock.Clock { return s.clock }

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

func (s *Store) recordError() {
	if s.metrics != nil {
		s.metrics.RecordError()
	}
}

// submit wraps queue.Submit, reporting the backlog depth observed at
// enqueue time and counting a failed submission as a backend error.
func (s *Store) submit(ctx context.Context, op opqueue.Operation) error {
	if s.metrics != nil {
		s.metrics.SetQueueDepth(int64(s.queue.Depth()))
	}
	err := s.queue.Submit(ctx, op)
	if err != nil {
		s.recordError()
	}
	return err
}

// Insert upserts key via the operation queue.
func (s *Store) Insert(ctx context.Context, key string, value []byte, typeName string, expiresAt time.Time) error {
	if key == "" {
		return akavache.ErrArgumentInvalid
	}
	value, err := s.beforeWrite(value)
	if err != nil {
		return fmt.Errorf("%w: before_write filter: %v", akavache.ErrBackendFailure, err)
	}
	createdTicks := serialize.ToTicks(s.clock.Now())
	expiresTicks := serialize.ToTicks(expiresAt)

	if err := s.submit(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cache_entries (key, type_name, value, created_at_ticks, expires_at_ticks)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				type_name = excluded.type_name,
				value = excluded.value,
				created_at_ticks = excluded.created_at_ticks,
				expires_at_ticks = excluded.expires_at_ticks
		`, key, typeName, value, createdTicks, expiresTicks)
		return err
	}); err != nil {
		return err
	}
	s.recordInsert()
	return nil
}

// InsertMany upserts every pair within a single transaction, succeeding
// only after all writes apply.
func (s *Store) InsertMany(ctx context.Context, pairs []akavache.Pair, typeName string, expiresAt time.Time) error {
	createdTicks := serialize.ToTicks(s.clock.Now())
	expiresTicks := serialize.ToTicks(expiresAt)

	if err := s.submit(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cache_entries (key, type_name, value, created_at_ticks, expires_at_ticks)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				type_name = excluded.type_name,
				value = excluded.value,
				created_at_ticks = excluded.created_at_ticks,
				expires_at_ticks = excluded.expires_at_ticks
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range pairs {
			filtered, err := s.beforeWrite(p.Value)
			if err != nil {
				return fmt.Errorf("%w: before_write filter: %v", akavache.ErrBackendFailure, err)
			}
			if _, err := stmt.ExecContext(ctx, p.Key, typeName, filtered, createdTicks, expiresTicks); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	for range pairs {
		s.recordInsert()
	}
	return nil
}

// Get returns the live value for key scoped to typeName.
func (s *Store) Get(ctx context.Context, key string, typeName string) ([]byte, error) {
	if key == "" {
		return nil, akavache.ErrArgumentInvalid
	}
	if s.disposed.Load() {
		return nil, akavache.ErrDisposed
	}

	var value []byte
	var expiresTicks int64
	var query string
	var args []interface{}
	if typeName != "" {
		query = `SELECT value, expires_at_ticks FROM cache_entries WHERE key = ? AND type_name = ?`
		args = []interface{}{key, typeName}
	} else {
		query = `SELECT value, expires_at_ticks FROM cache_entries WHERE key = ?`
		args = []interface{}{key}
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&value, &expiresTicks); err != nil {
		if err == sql.ErrNoRows {
			s.recordMiss()
			return nil, akavache.ErrNotFound
		}
		s.recordError()
		return nil, fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
	}

	if s.isExpiredTicks(expiresTicks) {
		_ = s.Invalidate(ctx, key, typeName)
		s.recordEviction()
		s.recordMiss()
		return nil, akavache.ErrNotFound
	}
	value, err := s.afterRead(value)
	if err != nil {
		s.recordError()
		return nil, fmt.Errorf("%w: after_read filter: %v", akavache.ErrBackendFailure, err)
	}
	s.recordHit()
	return value, nil
}

func (s *Store) isExpiredTicks(expiresTicks int64) bool {
	if expiresTicks == serialize.MaxTicks {
		return false
	}
	return serialize.FromTicks(expiresTicks).Before(s.clock.Now()) || serialize.FromTicks(expiresTicks).Equal(s.clock.Now())
}

// GetMany streams the live values for the requested keys in one query.
func (s *Store) GetMany(ctx context.Context, keys []string, typeName string) *akavache.Stream[akavache.Pair] {
	ch := make(chan akavache.Pair)
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(errCh)
		if s.disposed.Load() {
			errCh <- akavache.ErrDisposed
			return
		}
		if len(keys) == 0 {
			return
		}

		placeholders := make([]interface{}, 0, len(keys)+1)
		query := `SELECT key, value, expires_at_ticks FROM cache_entries WHERE key IN (` + placeholderList(len(keys)) + `)`
		for _, k := range keys {
			placeholders = append(placeholders, k)
		}
		if typeName != "" {
			query += ` AND type_name = ?`
			placeholders = append(placeholders, typeName)
		}

		rows, err := s.db.QueryContext(ctx, query, placeholders...)
		if err != nil {
			s.recordError()
			errCh <- fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			var value []byte
			var expiresTicks int64
			if err := rows.Scan(&key, &value, &expiresTicks); err != nil {
				s.recordError()
				errCh <- fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
				return
			}
			if s.isExpiredTicks(expiresTicks) {
				continue
			}
			value, err := s.afterRead(value)
			if err != nil {
				s.recordError()
				errCh <- fmt.Errorf("%w: after_read filter: %v", akavache.ErrBackendFailure, err)
				return
			}
			s.recordHit()
			select {
			case ch <- akavache.Pair{Key: key, Value: value}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			s.recordError()
			errCh <- fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
		}
	}()

	return akavache.NewStream[akavache.Pair](ch, errCh)
}

// GetAll streams every live (key, value) tagged with typeName.
func (s *Store) GetAll(ctx context.Context, typeName string) *akavache.Stream[akavache.Pair] {
	ch := make(chan akavache.Pair)
	errCh := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(errCh)
		if s.disposed.Load() {
			errCh <- akavache.ErrDisposed
			return
		}

		rows, err := s.db.QueryContext(ctx, `SELECT key, value, expires_at_ticks FROM cache_entries WHERE type_name = ?`, typeName)
		if err != nil {
			s.recordError()
			errCh <- fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			var value []byte
			var expiresTicks int64
			if err := rows.Scan(&key, &value, &expiresTicks); err != nil {
				s.recordError()
				errCh <- fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
				return
			}
			if s.isExpiredTicks(expiresTicks) {
				continue
			}
			value, err := s.afterRead(value)
			if err != nil {
				s.recordError()
				errCh <- fmt.Errorf("%w: after_read filter: %v", akavache.ErrBackendFailure, err)
				return
			}
			s.recordHit()
			select {
			case ch <- akavache.Pair{Key: key, Value: value}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			s.recordError()
			errCh <- fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
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
		if s.disposed.Load() {
			errCh <- akavache.ErrDisposed
			return
		}

		var rows *sql.Rows
		var err error
		if typeName != "" {
			rows, err = s.db.QueryContext(ctx, `SELECT key, expires_at_ticks FROM cache_entries WHERE type_name = ?`, typeName)
		} else {
			rows, err = s.db.QueryContext(ctx, `SELECT key, expires_at_ticks FROM cache_entries`)
		}
		if err != nil {
			errCh <- fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var key string
			var expiresTicks int64
			if err := rows.Scan(&key, &expiresTicks); err != nil {
				errCh <- fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
				return
			}
			if s.isExpiredTicks(expiresTicks) {
				continue
			}
			select {
			case ch <- key:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
		}
	}()

	return akavache.NewStream[string](ch, errCh)
}

// GetCreatedAt returns key's creation instant, never erroring on a missing
// key.
func (s *Store) GetCreatedAt(ctx context.Context, key string, typeName string) (time.Time, bool, error) {
	if s.disposed.Load() {
		return time.Time{}, false, akavache.ErrDisposed
	}
	var query string
	var args []interface{}
	if typeName != "" {
		query = `SELECT created_at_ticks, expires_at_ticks FROM cache_entries WHERE key = ? AND type_name = ?`
		args = []interface{}{key, typeName}
	} else {
		query = `SELECT created_at_ticks, expires_at_ticks FROM cache_entries WHERE key = ?`
		args = []interface{}{key}
	}

	var createdTicks, expiresTicks int64
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&createdTicks, &expiresTicks); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("%w: %v", akavache.ErrBackendFailure, err)
	}
	if s.isExpiredTicks(expiresTicks) {
		return time.Time{}, false, nil
	}
	return serialize.FromTicks(createdTicks), true, nil
}

// Flush blocks until every write submitted before this call is durable.
func (s *Store) Flush(ctx context.Context, typeName string) error {
	return s.queue.Flush(ctx)
}

// Invalidate removes key (scoped to typeName); idempotent.
func (s *Store) Invalidate(ctx context.Context, key string, typeName string) error {
	if err := s.submit(ctx, func(tx *sql.Tx) error {
		if typeName != "" {
			_, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ? AND type_name = ?`, key, typeName)
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return err
	}); err != nil {
		return err
	}
	s.recordInvalidation()
	return nil
}

// InvalidateMany removes each of keys (scoped to typeName); idempotent.
func (s *Store) InvalidateMany(ctx context.Context, keys []string, typeName string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.submit(ctx, func(tx *sql.Tx) error {
		query := `DELETE FROM cache_entries WHERE key IN (` + placeholderList(len(keys)) + `)`
		args := make([]interface{}, 0, len(keys)+1)
		for _, k := range keys {
			args = append(args, k)
		}
		if typeName != "" {
			query += ` AND type_name = ?`
			args = append(args, typeName)
		}
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	}); err != nil {
		return err
	}
	for range keys {
		s.recordInvalidation()
	}
	return nil
}

// InvalidateAll removes every entry, or every entry of typeName.
func (s *Store) InvalidateAll(ctx context.Context, typeName string) error {
	if err := s.submit(ctx, func(tx *sql.Tx) error {
		if typeName != "" {
			_, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE type_name = ?`, typeName)
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`)
		return err
	}); err != nil {
		return err
	}
	s.recordInvalidation()
	return nil
}

// Vacuum removes expired entries and runs SQLite's full VACUUM to compact
// on-disk storage.
func (s *Store) Vacuum(ctx context.Context) error {
	nowTicks := serialize.ToTicks(s.clock.Now())
	var evicted int64
	if err := s.submit(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at_ticks <= ?`, nowTicks)
		if err != nil {
			return err
		}
		evicted, err = res.RowsAffected()
		return err
	}); err != nil {
		return err
	}
	for i := int64(0); i < evicted; i++ {
		s.recordEviction()
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		s.recordError()
		return fmt.Errorf("%w: vacuum: %v", akavache.ErrBackendFailure, err)
	}
	return nil
}

// Shutdown flushes and closes the operation queue, then the database. Safe
// to call more than once.
func (s *Store) Shutdown(ctx context.Context) error {
	if !s.disposed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.queue.Close(); err != nil {
		return err
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", akavache.ErrBackendFailure, err)
	}
	return nil
}

func placeholderList(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
