package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firingLog struct {
	mu    sync.Mutex
	fired []time.Time
}

func (l *firingLog) record(deadline time.Time) {
	l.mu.Lock()
	l.fired = append(l.fired, deadline)
	l.mu.Unlock()
}

func (l *firingLog) list() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]time.Time, len(l.fired))
	copy(out, l.fired)
	return out
}

func TestTimerFiresWithArmedDeadline(t *testing.T) {
	log := &firingLog{}
	tc := newTimerController(log.record)

	deadline := time.Now().Add(10 * time.Millisecond)
	tc.Schedule(10*time.Millisecond, deadline)

	require.Eventually(t, func() bool {
		return len(log.list()) == 1
	}, time.Second, time.Millisecond)
	assert.True(t, log.list()[0].Equal(deadline))
}

func TestTimerCancelPreventsFiring(t *testing.T) {
	log := &firingLog{}
	tc := newTimerController(log.record)

	tc.Schedule(20*time.Millisecond, time.Now().Add(20*time.Millisecond))
	tc.Cancel()

	assert.Never(t, func() bool {
		return len(log.list()) > 0
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestTimerCancelWithoutPendingIsNoop(t *testing.T) {
	tc := newTimerController(func(time.Time) {})
	tc.Cancel()
	tc.Cancel()
}

func TestTimerScheduleReplacesPending(t *testing.T) {
	log := &firingLog{}
	tc := newTimerController(log.record)

	first := time.Now().Add(15 * time.Millisecond)
	second := time.Now().Add(40 * time.Millisecond)
	tc.Schedule(15*time.Millisecond, first)
	tc.Schedule(40*time.Millisecond, second)

	require.Eventually(t, func() bool {
		return len(log.list()) == 1
	}, time.Second, time.Millisecond)

	// Only the replacement fires; the first slot was implicitly cancelled.
	time.Sleep(50 * time.Millisecond)
	fired := log.list()
	require.Len(t, fired, 1)
	assert.True(t, fired[0].Equal(second))
}
