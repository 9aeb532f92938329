package session

import (
	"sync"
	"time"
)

// timerController owns the single expiry timer slot. Scheduling a new timer
// implicitly cancels the previous one; at most one deadline is ever pending.
// The fire callback receives the deadline the timer was armed with so the
// manager can discard a stale firing after a reschedule.
type timerController struct {
	mu    sync.Mutex
	timer *time.Timer
	fire  func(deadline time.Time)
}

func newTimerController(fire func(deadline time.Time)) *timerController {
	return &timerController{fire: fire}
}

// Schedule arms a one-shot timer that fires after d, replacing any pending one.
func (t *timerController) Schedule(d time.Duration, deadline time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		t.fire(deadline)
	})
}

// Cancel stops a pending timer. No-op if none is pending.
func (t *timerController) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
