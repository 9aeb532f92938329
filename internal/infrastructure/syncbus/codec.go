package syncbus

import (
	"fmt"

	"github.com/caffeind/caffeind/internal/domain/entity"
)

// Wire layout of the StateChanged signal body, in order:
// origin (s), active (b), expiry kind (y), minutes (u), sequence (t).

func encodeEvent(ev entity.SyncEvent) []interface{} {
	return []interface{}{
		ev.OriginID,
		ev.Active,
		byte(ev.Expiry.Kind),
		ev.Expiry.Minutes,
		ev.Sequence,
	}
}

func decodeEvent(body []interface{}) (entity.SyncEvent, error) {
	var ev entity.SyncEvent

	if len(body) != 5 {
		return ev, fmt.Errorf("sync event: want 5 fields, got %d", len(body))
	}

	origin, ok := body[0].(string)
	if !ok || origin == "" {
		return ev, fmt.Errorf("sync event: bad origin field %T", body[0])
	}
	active, ok := body[1].(bool)
	if !ok {
		return ev, fmt.Errorf("sync event: bad active field %T", body[1])
	}
	kind, ok := body[2].(byte)
	if !ok {
		return ev, fmt.Errorf("sync event: bad expiry kind field %T", body[2])
	}
	minutes, ok := body[3].(uint32)
	if !ok {
		return ev, fmt.Errorf("sync event: bad minutes field %T", body[3])
	}
	sequence, ok := body[4].(uint64)
	if !ok {
		return ev, fmt.Errorf("sync event: bad sequence field %T", body[4])
	}

	policy := entity.ExpiryPolicy{Kind: entity.ExpiryKind(kind), Minutes: minutes}
	if err := policy.Validate(); err != nil {
		return ev, fmt.Errorf("sync event: %w", err)
	}

	ev = entity.SyncEvent{
		OriginID: origin,
		Active:   active,
		Expiry:   policy,
		Sequence: sequence,
	}
	return ev, nil
}
