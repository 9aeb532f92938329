package session

import "errors"

var (
	// ErrGrantFailed wraps the grant error when activation could not acquire
	// an inhibition grant. State remains inactive.
	ErrGrantFailed = errors.New("inhibit grant failed")

	// ErrReleaseFailed reports that the service release call failed. Local
	// state is forced inactive regardless; the orphaned grant is abandoned and
	// cleaned up by the service's own disconnect semantics.
	ErrReleaseFailed = errors.New("inhibit release failed")
)
