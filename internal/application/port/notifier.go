package port

import "github.com/caffeind/caffeind/internal/domain/entity"

// StateListener is the boundary to the presentation layer. OnStateChanged
// fires on every local or remote-mirrored transition so the UI can recolor
// its indicator. Implementations must not block; they are invoked from the
// session manager's event loop.
type StateListener interface {
	OnStateChanged(active bool, expiry entity.ExpiryPolicy)
}

// StateListenerFunc adapts a function to the StateListener interface.
type StateListenerFunc func(active bool, expiry entity.ExpiryPolicy)

func (f StateListenerFunc) OnStateChanged(active bool, expiry entity.ExpiryPolicy) {
	f(active, expiry)
}
