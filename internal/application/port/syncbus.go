package port

import (
	"context"

	"github.com/caffeind/caffeind/internal/domain/entity"
)

// SyncBus is the session-wide broadcast channel instances use to mirror state.
// Delivery is best-effort at-most-once and includes the publisher itself;
// subscribers filter their own origin. Per-origin publish order is preserved,
// which the sequence-number staleness check relies on.
type SyncBus interface {
	// Publish broadcasts a state change to every instance on the session.
	Publish(ctx context.Context, ev entity.SyncEvent) error

	// Subscribe registers a handler for all published events for the lifetime
	// of the bus. Malformed deliveries are dropped before the handler runs.
	Subscribe(ctx context.Context, handler func(entity.SyncEvent)) error

	// Close tears down the subscription and the underlying connection.
	Close() error
}
