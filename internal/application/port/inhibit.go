package port

import (
	"context"
	"errors"
)

// Grant errors surfaced by Inhibitor implementations.
var (
	// ErrServiceUnavailable means the inhibition service could not be reached.
	ErrServiceUnavailable = errors.New("inhibit service unavailable")
	// ErrDenied means the service rejected the request.
	ErrDenied = errors.New("inhibit request denied")
)

// Handle is an opaque grant token returned by Acquire. It is owned by the
// caller and must be passed to Release exactly once.
type Handle interface {
	String() string
}

// Inhibitor wraps the system's idle-inhibition service: acquire a grant with a
// human-readable reason, release it by handle. Implementations keep no state
// beyond their service connection; there are no retries at this layer and
// release idempotence is the caller's responsibility.
type Inhibitor interface {
	// Acquire requests inhibition. Blocks on IPC; callers that must stay
	// responsive should run it off their event loop.
	Acquire(ctx context.Context, reason string) (Handle, error)

	// Release returns a previously acquired grant. Releasing the same handle
	// twice is undefined at the protocol level.
	Release(ctx context.Context, h Handle) error

	// Close releases the service connection. Should be called on shutdown.
	Close() error
}
