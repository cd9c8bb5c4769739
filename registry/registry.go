// Package registry implements the global namespace registry: four
// well-known cache namespaces — local_machine, user_account, secure, and
// in_memory — each lazily constructed from a caller-supplied
// factory on first access and torn down together on Shutdown. The shape
// generalizes the single encore:service Singleton
// (cache-manager.Service, one process-wide instance holding its L1/L2/
// coalescer/metrics fields) into a small map of named singletons instead
// of one, since this package's job is to hand out several independent
// Cache instances under fixed names rather than run one cache service.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coldbrewdb/akavache"
	"github.com/coldbrewdb/akavache/clock"
)

// Well-known namespace names.
const (
	LocalMachine = "local_machine"
	UserAccount  = "user_account"
	Secure       = "secure"
	InMemory     = "in_memory"
)

// Factory constructs the Cache backing one namespace, invoked at most once
// between Resets.
type Factory func() (akavache.Cache, error)

// Registry lazily constructs and owns one Cache per configured namespace.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	instances map[string]akavache.Cache
	disposed  bool
}

// New creates an empty Registry. Namespaces must be Configure'd with a
// factory before they can be resolved with Get.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]akavache.Cache),
	}
}

// Configure registers (or replaces) the factory for name. Configuring a
// namespace that has already been constructed has no effect on the
// existing instance.
func (r *Registry) Configure(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get resolves name to its Cache, constructing it via its factory on first
// call. After Shutdown, Get never errors: it returns the disposed
// sentinel, whose operations are no-ops and whose streams are always
// empty, so callers that hold a reference across a shutdown keep working
// without nil checks.
func (r *Registry) Get(name string) (akavache.Cache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return disposedCache{}, nil
	}
	if c, ok := r.instances[name]; ok {
		return c, nil
	}

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: no factory configured for namespace %q", akavache.ErrArgumentInvalid, name)
	}
	c, err := factory()
	if err != nil {
		return nil, fmt.Errorf("registry: constructing namespace %q: %w", name, err)
	}
	r.instances[name] = c
	return c, nil
}

// LocalMachine resolves the local_machine namespace.
func (r *Registry) LocalMachine() (akavache.Cache, error) { return r.Get(LocalMachine) }

// UserAccount resolves the user_account namespace.
func (r *Registry) UserAccount() (akavache.Cache, error) { return r.Get(UserAccount) }

// Secure resolves the secure namespace.
func (r *Registry) Secure() (akavache.Cache, error) { return r.Get(Secure) }

// InMemory resolves the in_memory namespace.
func (r *Registry) InMemory() (akavache.Cache, error) { return r.Get(InMemory) }

// Shutdown disposes every namespace instance constructed so far and marks
// the Registry disposed; subsequent Get calls return the no-op sentinel
// until Reset is called. It reports the first error encountered but still attempts
// to shut down every instance. Safe to call more than once.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil
	}
	r.disposed = true

	var firstErr error
	for name, c := range r.instances {
		if err := c.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("registry: shutting down namespace %q: %w", name, err)
		}
	}
	r.instances = make(map[string]akavache.Cache)
	return firstErr
}

// Reset clears Shutdown's disposed state, permitting this Registry to be
// reused. Every previously resolved namespace handle is dropped, so the
// next Get reconstructs it from its configured factory; configured
// factories themselves are preserved, so callers do not need to
// Configure every namespace again after a Reset.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = false
	r.instances = make(map[string]akavache.Cache)
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide Registry singleton, creating it on
// first call.
func Default() *Registry {
	defaultOnce.Do(func() { defaultReg = New() })
	return defaultReg
}

// disposedCache is the sentinel akavache.Cache a Registry hands out after
// Shutdown: every read returns empty, every write is a silent no-op, so
// code holding a pre-shutdown reference never has to distinguish "empty"
// from "disposed".
type disposedCache struct{}

var _ akavache.Cache = disposedCache{}

func (disposedCache) Insert(ctx context.Context, key string, value []byte, typeName string, expiresAt time.Time) error {
	return nil
}

func (disposedCache) InsertMany(ctx context.Context, pairs []akavache.Pair, typeName string, expiresAt time.Time) error {
	return nil
}

func (disposedCache) Get(ctx context.Context, key string, typeName string) ([]byte, error) {
	return nil, akavache.ErrNotFound
}

func (disposedCache) GetMany(ctx context.Context, keys []string, typeName string) *akavache.Stream[akavache.Pair] {
	return akavache.EmptyStream[akavache.Pair]()
}

func (disposedCache) GetAll(ctx context.Context, typeName string) *akavache.Stream[akavache.Pair] {
	return akavache.EmptyStream[akavache.Pair]()
}

func (disposedCache) GetAllKeys(ctx context.Context, typeName string) *akavache.Stream[string] {
	return akavache.EmptyStream[string]()
}

func (disposedCache) GetCreatedAt(ctx context.Context, key string, typeName string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (disposedCache) Flush(ctx context.Context, typeName string) error { return nil }

func (disposedCache) Invalidate(ctx context.Context, key string, typeName string) error { return nil }

func (disposedCache) InvalidateMany(ctx context.Context, keys []string, typeName string) error {
	return nil
}

func (disposedCache) InvalidateAll(ctx context.Context, typeName string) error { return nil }

func (disposedCache) Vacuum(ctx context.Context) error { return nil }

func (disposedCache) Shutdown(ctx context.Context) error { return nil }

func (disposedCache) Scheduler() clock.Clock { return clock.Default }
