package akavache

import "errors"

// Error taxonomy. Each is a named sentinel; callers compare with
// errors.Is. Layers wrap these with fmt.Errorf("...: %w", ...) for context,
// matching the %w-wrapping idiom used throughout the service layer in
// cache-manager/service.go and invalidation/service.go.
var (
	// ErrNotFound is surfaced by Get/typed.Get when a key is absent or
	// expired. It is never surfaced by Invalidate, GetCreatedAt, or GetMany.
	ErrNotFound = errors.New("akavache: key not found")

	// ErrDeserialization is surfaced by typed.Get when the serializer fails
	// to decode stored bytes. GetAllObjects filters these out rather than
	// failing the stream.
	ErrDeserialization = errors.New("akavache: deserialization failed")

	// ErrArgumentInvalid covers empty keys and nil payloads.
	ErrArgumentInvalid = errors.New("akavache: invalid argument")

	// ErrDisposed is returned by a non-sentinel handle used after Shutdown.
	// The registry's sentinel handles never return this; they return empty
	// streams instead (see akavache/registry).
	ErrDisposed = errors.New("akavache: cache disposed")

	// ErrBackendFailure covers I/O, SQL, and schema-migration errors. The
	// operation queue reports this identically to every batch participant.
	ErrBackendFailure = errors.New("akavache: backend failure")

	// ErrCancelled is returned to a submitted operation removed from the
	// queue before execution.
	ErrCancelled = errors.New("akavache: operation cancelled")
)
