package session

import (
	"sync"

	"github.com/caffeind/caffeind/internal/domain/entity"
)

// snapshotCell publishes the loop-owned state to readers outside the loop.
type snapshotCell struct {
	mu   sync.RWMutex
	snap entity.Snapshot
}

func newSnapshotCell() *snapshotCell {
	return &snapshotCell{}
}

func (c *snapshotCell) store(s entity.Snapshot) {
	c.mu.Lock()
	c.snap = s
	c.mu.Unlock()
}

func (c *snapshotCell) load() entity.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}
