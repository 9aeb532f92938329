package entity

import (
	"fmt"
	"time"
)

// ExpiryKind distinguishes indefinite inhibition from a timed one.
type ExpiryKind uint8

const (
	ExpiryIndefinite ExpiryKind = iota
	ExpiryDuration
)

// ExpiryPolicy describes when an inhibition should auto-deactivate.
// The zero value is Indefinite.
type ExpiryPolicy struct {
	Kind    ExpiryKind
	Minutes uint32
}

// Indefinite returns a policy that never auto-expires.
func Indefinite() ExpiryPolicy {
	return ExpiryPolicy{Kind: ExpiryIndefinite}
}

// For returns a policy that auto-expires after the given number of minutes.
// Minutes must be > 0; Validate catches a zero duration.
func For(minutes uint32) ExpiryPolicy {
	return ExpiryPolicy{Kind: ExpiryDuration, Minutes: minutes}
}

// Duration converts the policy to a time.Duration.
// Returns 0 for an indefinite policy.
func (p ExpiryPolicy) Duration() time.Duration {
	if p.Kind != ExpiryDuration {
		return 0
	}
	return time.Duration(p.Minutes) * time.Minute
}

func (p ExpiryPolicy) IsIndefinite() bool {
	return p.Kind == ExpiryIndefinite
}

func (p ExpiryPolicy) Validate() error {
	switch p.Kind {
	case ExpiryIndefinite:
		return nil
	case ExpiryDuration:
		if p.Minutes == 0 {
			return fmt.Errorf("expiry policy: duration must be at least one minute")
		}
		return nil
	default:
		return fmt.Errorf("expiry policy: unknown kind %d", p.Kind)
	}
}

func (p ExpiryPolicy) String() string {
	if p.Kind == ExpiryIndefinite {
		return "indefinite"
	}
	return fmt.Sprintf("%dm", p.Minutes)
}

// SyncEvent is the payload broadcast between instances on every state change.
// Sequence is monotonically increasing per origin; receivers drop anything at
// or below the last sequence seen from that origin.
type SyncEvent struct {
	OriginID string
	Active   bool
	Expiry   ExpiryPolicy
	Sequence uint64
}

// Snapshot is a read-only view of an instance's inhibition state.
// Deadline is the zero time unless the session is active with a finite expiry.
type Snapshot struct {
	Active   bool
	Expiry   ExpiryPolicy
	Deadline time.Time
}

// Remaining reports the time left until auto-expiry, or 0 if the
// session is inactive or indefinite.
func (s Snapshot) Remaining(now time.Time) time.Duration {
	if !s.Active || s.Deadline.IsZero() {
		return 0
	}
	if d := s.Deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}
