package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeind/caffeind/internal/application/port"
	"github.com/caffeind/caffeind/internal/domain/entity"
)

const eventually = 2 * time.Second

// fakeHandle is an opaque grant token for tests.
type fakeHandle string

func (h fakeHandle) String() string { return string(h) }

// fakeInhibitor records acquire/release traffic and tracks how many grants
// are held simultaneously.
type fakeInhibitor struct {
	mu           sync.Mutex
	ops          []string
	acquireErr   error
	releaseErr   error
	blockAcquire chan struct{} // when set, Acquire waits until closed
	starts       int
	next         int
	held         map[string]bool
	maxHeld      int
}

func newFakeInhibitor() *fakeInhibitor {
	return &fakeInhibitor{held: make(map[string]bool)}
}

func (f *fakeInhibitor) Acquire(ctx context.Context, reason string) (port.Handle, error) {
	f.mu.Lock()
	f.starts++
	block := f.blockAcquire
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.next++
	h := fakeHandle(fmt.Sprintf("grant-%d", f.next))
	f.ops = append(f.ops, "acquire:"+string(h))
	f.held[string(h)] = true
	if len(f.held) > f.maxHeld {
		f.maxHeld = len(f.held)
	}
	return h, nil
}

func (f *fakeInhibitor) Release(ctx context.Context, h port.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "release:"+h.String())
	delete(f.held, h.String())
	return f.releaseErr
}

func (f *fakeInhibitor) Close() error { return nil }

func (f *fakeInhibitor) opList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakeInhibitor) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeInhibitor) counts() (acquires, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range f.ops {
		if op[0] == 'a' {
			acquires++
		} else {
			releases++
		}
	}
	return
}

// busHub is an in-memory sync bus shared between managers under test.
// Delivery is synchronous and includes the publisher, like the real bus.
type busHub struct {
	mu   sync.Mutex
	subs []func(entity.SyncEvent)
}

func (h *busHub) attach() *memoryBus { return &memoryBus{hub: h} }

func (h *busHub) deliver(ev entity.SyncEvent) {
	h.mu.Lock()
	subs := make([]func(entity.SyncEvent), len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()
	for _, s := range subs {
		s(ev)
	}
}

type memoryBus struct {
	hub *busHub
}

func (b *memoryBus) Publish(ctx context.Context, ev entity.SyncEvent) error {
	b.hub.deliver(ev)
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context, handler func(entity.SyncEvent)) error {
	b.hub.mu.Lock()
	b.hub.subs = append(b.hub.subs, handler)
	b.hub.mu.Unlock()
	return nil
}

func (b *memoryBus) Close() error { return nil }

type stateChange struct {
	active bool
	expiry entity.ExpiryPolicy
}

// recordListener captures every OnStateChanged notification.
type recordListener struct {
	mu      sync.Mutex
	changes []stateChange
}

func (r *recordListener) OnStateChanged(active bool, expiry entity.ExpiryPolicy) {
	r.mu.Lock()
	r.changes = append(r.changes, stateChange{active: active, expiry: expiry})
	r.mu.Unlock()
}

func (r *recordListener) list() []stateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stateChange, len(r.changes))
	copy(out, r.changes)
	return out
}

// start runs the manager loop for the test's duration. The returned stop
// function cancels the loop and waits for shutdown to finish.
func start(t *testing.T, m *Manager) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

// scaleTime compresses policy minutes so expiry tests run in milliseconds.
func scaleTime(t *testing.T, perMinute time.Duration) {
	t.Helper()
	old := policyDuration
	policyDuration = func(p entity.ExpiryPolicy) time.Duration {
		if p.Kind != entity.ExpiryDuration {
			return 0
		}
		return time.Duration(p.Minutes) * perMinute
	}
	t.Cleanup(func() { policyDuration = old })
}

func TestActivateIndefinite(t *testing.T) {
	inh := newFakeInhibitor()
	lis := &recordListener{}
	m := NewManager(inh, (&busHub{}).attach(), lis, Options{})
	start(t, m)

	require.NoError(t, m.Activate(context.Background(), entity.Indefinite()))

	snap := m.Snapshot()
	assert.True(t, snap.Active)
	assert.True(t, snap.Expiry.IsIndefinite())
	assert.True(t, snap.Deadline.IsZero())

	acquires, releases := inh.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 0, releases)

	require.Len(t, lis.list(), 1)
	assert.Equal(t, stateChange{active: true, expiry: entity.Indefinite()}, lis.list()[0])
}

func TestActivateGrantFailure(t *testing.T) {
	inh := newFakeInhibitor()
	inh.acquireErr = fmt.Errorf("call failed: %w", port.ErrServiceUnavailable)
	lis := &recordListener{}
	m := NewManager(inh, (&busHub{}).attach(), lis, Options{})
	start(t, m)

	err := m.Activate(context.Background(), entity.Indefinite())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGrantFailed)
	assert.ErrorIs(t, err, port.ErrServiceUnavailable)

	assert.False(t, m.Snapshot().Active)
	assert.Empty(t, lis.list())
}

func TestDeactivateIdempotent(t *testing.T) {
	inh := newFakeInhibitor()
	lis := &recordListener{}
	m := NewManager(inh, (&busHub{}).attach(), lis, Options{})
	start(t, m)

	ctx := context.Background()
	require.NoError(t, m.Activate(ctx, entity.Indefinite()))
	require.NoError(t, m.Deactivate(ctx))
	require.NoError(t, m.Deactivate(ctx))

	_, releases := inh.counts()
	assert.Equal(t, 1, releases, "second deactivate must not release again")
	assert.False(t, m.Snapshot().Active)

	changes := lis.list()
	require.Len(t, changes, 2)
	assert.True(t, changes[0].active)
	assert.False(t, changes[1].active)
}

func TestDeactivateWhenInactiveIsNoop(t *testing.T) {
	inh := newFakeInhibitor()
	m := NewManager(inh, (&busHub{}).attach(), nil, Options{})
	start(t, m)

	require.NoError(t, m.Deactivate(context.Background()))
	acquires, releases := inh.counts()
	assert.Zero(t, acquires)
	assert.Zero(t, releases)
}

func TestReactivateReplacesGrant(t *testing.T) {
	inh := newFakeInhibitor()
	m := NewManager(inh, (&busHub{}).attach(), nil, Options{})
	start(t, m)

	ctx := context.Background()
	require.NoError(t, m.Activate(ctx, entity.For(5)))
	require.NoError(t, m.Activate(ctx, entity.Indefinite()))

	snap := m.Snapshot()
	assert.True(t, snap.Active)
	assert.True(t, snap.Expiry.IsIndefinite())
	assert.True(t, snap.Deadline.IsZero(), "deadline cleared when switching to indefinite")

	// The first grant is released before the second is acquired; the two are
	// never held at the same time.
	assert.Equal(t, []string{"acquire:grant-1", "release:grant-1", "acquire:grant-2"}, inh.opList())
	assert.Equal(t, 1, inh.maxHeld)
}

func TestTimerExpiryDeactivates(t *testing.T) {
	scaleTime(t, 20*time.Millisecond)
	inh := newFakeInhibitor()
	lis := &recordListener{}
	m := NewManager(inh, (&busHub{}).attach(), lis, Options{})
	start(t, m)

	require.NoError(t, m.Activate(context.Background(), entity.For(1)))
	assert.True(t, m.Snapshot().Active)
	assert.False(t, m.Snapshot().Deadline.IsZero())

	require.Eventually(t, func() bool {
		return !m.Snapshot().Active
	}, eventually, 5*time.Millisecond, "session should auto-expire")

	require.Eventually(t, func() bool {
		_, releases := inh.counts()
		return releases == 1
	}, eventually, 5*time.Millisecond)

	changes := lis.list()
	require.Len(t, changes, 2)
	assert.True(t, changes[0].active)
	assert.False(t, changes[1].active)
}

func TestStaleTimerFiringIgnored(t *testing.T) {
	inh := newFakeInhibitor()
	m := NewManager(inh, (&busHub{}).attach(), nil, Options{})
	start(t, m)

	require.NoError(t, m.Activate(context.Background(), entity.For(100)))
	armed := m.Snapshot().Deadline
	require.False(t, armed.IsZero())

	// A firing carrying a deadline that is no longer armed must not
	// deactivate the session.
	m.post(evTimerFired{deadline: armed.Add(-time.Minute)})

	assert.Never(t, func() bool {
		return !m.Snapshot().Active
	}, 100*time.Millisecond, 10*time.Millisecond, "stale expiry must be ignored")

	_, releases := inh.counts()
	assert.Zero(t, releases)
}

func TestRescheduleOutpacesOldTimer(t *testing.T) {
	scaleTime(t, 30*time.Millisecond)
	inh := newFakeInhibitor()
	m := NewManager(inh, (&busHub{}).attach(), nil, Options{})
	start(t, m)

	ctx := context.Background()
	require.NoError(t, m.Activate(ctx, entity.For(1)))
	require.NoError(t, m.Activate(ctx, entity.For(100)))

	// Past the original 1-unit deadline the session must still be up.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, m.Snapshot().Active)
}

func TestConvergenceAcrossInstances(t *testing.T) {
	hub := &busHub{}
	inhA := newFakeInhibitor()
	inhB := newFakeInhibitor()
	lisB := &recordListener{}

	a := NewManager(inhA, hub.attach(), nil, Options{InstanceID: "instance-a"})
	b := NewManager(inhB, hub.attach(), lisB, Options{InstanceID: "instance-b"})
	start(t, a)
	start(t, b)

	require.NoError(t, a.Activate(context.Background(), entity.For(10)))

	require.Eventually(t, func() bool {
		snap := b.Snapshot()
		return snap.Active && snap.Expiry == entity.For(10)
	}, eventually, 5*time.Millisecond, "peer must mirror the activation")

	acquires, _ := inhB.counts()
	assert.Zero(t, acquires, "mirroring instance must not acquire its own grant")

	require.Eventually(t, func() bool { return len(lisB.list()) == 1 }, eventually, 5*time.Millisecond)
	assert.Equal(t, stateChange{active: true, expiry: entity.For(10)}, lisB.list()[0])
}

func TestRemoteDeactivateReleasesOwnGrant(t *testing.T) {
	hub := &busHub{}
	inhA := newFakeInhibitor()
	a := NewManager(inhA, hub.attach(), nil, Options{InstanceID: "instance-a"})
	b := NewManager(newFakeInhibitor(), hub.attach(), nil, Options{InstanceID: "instance-b"})
	start(t, a)
	start(t, b)

	ctx := context.Background()
	require.NoError(t, a.Activate(ctx, entity.Indefinite()))
	require.Eventually(t, func() bool { return b.Snapshot().Active }, eventually, 5*time.Millisecond)

	// B never acquired, but its deactivation must make A release its grant.
	require.NoError(t, b.Deactivate(ctx))

	require.Eventually(t, func() bool {
		_, releases := inhA.counts()
		return releases == 1 && !a.Snapshot().Active
	}, eventually, 5*time.Millisecond)
}

func TestStaleSequenceRejected(t *testing.T) {
	hub := &busHub{}
	inh := newFakeInhibitor()
	m := NewManager(inh, hub.attach(), nil, Options{InstanceID: "local"})
	start(t, m)

	hub.deliver(entity.SyncEvent{OriginID: "peer", Active: true, Expiry: entity.For(10), Sequence: 5})
	require.Eventually(t, func() bool { return m.Snapshot().Active }, eventually, 5*time.Millisecond)

	// Same and lower sequence numbers from the same origin must be dropped.
	hub.deliver(entity.SyncEvent{OriginID: "peer", Active: false, Sequence: 5})
	hub.deliver(entity.SyncEvent{OriginID: "peer", Active: false, Sequence: 4})

	assert.Never(t, func() bool {
		return !m.Snapshot().Active
	}, 100*time.Millisecond, 10*time.Millisecond, "stale events must leave state unchanged")
}

func TestOwnEventsIgnored(t *testing.T) {
	hub := &busHub{}
	inh := newFakeInhibitor()
	m := NewManager(inh, hub.attach(), nil, Options{InstanceID: "local"})
	start(t, m)

	hub.deliver(entity.SyncEvent{OriginID: "local", Active: true, Expiry: entity.For(10), Sequence: 99})

	assert.Never(t, func() bool {
		return m.Snapshot().Active
	}, 100*time.Millisecond, 10*time.Millisecond, "own events must be filtered")
}

func TestDeactivateDuringAcquireReleasesGrant(t *testing.T) {
	inh := newFakeInhibitor()
	block := make(chan struct{})
	inh.blockAcquire = block
	m := NewManager(inh, (&busHub{}).attach(), nil, Options{})
	start(t, m)

	ctx := context.Background()
	activateDone := make(chan error, 1)
	go func() {
		activateDone <- m.Activate(ctx, entity.Indefinite())
	}()

	// Let the acquire get in flight, then deactivate before it completes.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Deactivate(ctx))
	close(block)

	require.NoError(t, <-activateDone)

	// The grant that arrived after the deactivation must still be released.
	require.Eventually(t, func() bool {
		_, releases := inh.counts()
		return releases == 1
	}, eventually, 5*time.Millisecond)
	assert.False(t, m.Snapshot().Active)
}

func TestDeactivateDuringReacquireConvergesPeers(t *testing.T) {
	hub := &busHub{}
	inhA := newFakeInhibitor()
	a := NewManager(inhA, hub.attach(), nil, Options{InstanceID: "a"})
	b := NewManager(newFakeInhibitor(), hub.attach(), nil, Options{InstanceID: "b"})
	start(t, a)
	start(t, b)

	ctx := context.Background()
	require.NoError(t, a.Activate(ctx, entity.Indefinite()))
	require.Eventually(t, func() bool {
		return b.Snapshot().Active
	}, eventually, 5*time.Millisecond)

	// Re-activate with the new acquire stuck in flight, then deactivate
	// before the grant arrives.
	block := make(chan struct{})
	inhA.mu.Lock()
	inhA.blockAcquire = block
	inhA.mu.Unlock()

	activateDone := make(chan error, 1)
	go func() {
		activateDone <- a.Activate(ctx, entity.For(30))
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Deactivate(ctx))
	close(block)
	require.NoError(t, <-activateDone)

	assert.False(t, a.Snapshot().Active)
	require.Eventually(t, func() bool {
		return !b.Snapshot().Active
	}, eventually, 5*time.Millisecond, "peer must converge to inactive after the deactivate")
}

func TestReleaseFailureForcesInactive(t *testing.T) {
	inh := newFakeInhibitor()
	inh.releaseErr = errors.New("service went away")
	m := NewManager(inh, (&busHub{}).attach(), nil, Options{})
	start(t, m)

	ctx := context.Background()
	require.NoError(t, m.Activate(ctx, entity.Indefinite()))

	err := m.Deactivate(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReleaseFailed)
	assert.False(t, m.Snapshot().Active, "local state forced inactive despite failed release")
}

func TestShutdownReleasesGrant(t *testing.T) {
	inh := newFakeInhibitor()
	m := NewManager(inh, (&busHub{}).attach(), nil, Options{})
	stop := start(t, m)

	require.NoError(t, m.Activate(context.Background(), entity.Indefinite()))
	stop()

	_, releases := inh.counts()
	assert.Equal(t, 1, releases, "shutdown must release the held grant")
	assert.False(t, m.Snapshot().Active)
}

func TestShutdownReleasesSupersededGrant(t *testing.T) {
	inh := newFakeInhibitor()
	block := make(chan struct{})
	inh.blockAcquire = block
	m := NewManager(inh, (&busHub{}).attach(), nil, Options{})
	stop := start(t, m)

	activateDone := make(chan error, 1)
	go func() {
		activateDone <- m.Activate(context.Background(), entity.Indefinite())
	}()
	require.Eventually(t, func() bool {
		return inh.started() == 1
	}, eventually, time.Millisecond)

	// While shutdown drains the in-flight acquire, a grant from an already
	// superseded activation arrives too. Both must be released.
	go func() {
		time.Sleep(20 * time.Millisecond)
		m.post(evGrantResult{gen: 99, handle: fakeHandle("stray-grant")})
		close(block)
	}()
	stop()

	require.NoError(t, <-activateDone)
	ops := inh.opList()
	assert.Contains(t, ops, "release:stray-grant")
	assert.Contains(t, ops, "release:grant-1")
	assert.False(t, m.Snapshot().Active)
}

func TestGrantResultSurvivesFullQueue(t *testing.T) {
	m := NewManager(newFakeInhibitor(), nil, nil, Options{})

	for i := 0; i < eventQueueSize; i++ {
		m.post(evSync{})
	}

	delivered := make(chan struct{})
	go func() {
		m.post(evGrantResult{gen: 1, handle: fakeHandle("grant-1")})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("grant result must not be dropped by a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	<-m.events // free one slot
	select {
	case <-delivered:
	case <-time.After(eventually):
		t.Fatal("grant result never enqueued after space freed")
	}
}

func TestPublishedEventsCarryIncreasingSequence(t *testing.T) {
	hub := &busHub{}
	var mu sync.Mutex
	var seen []entity.SyncEvent
	recorder := hub.attach()
	require.NoError(t, recorder.Subscribe(context.Background(), func(ev entity.SyncEvent) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	}))

	m := NewManager(newFakeInhibitor(), hub.attach(), nil, Options{InstanceID: "local"})
	start(t, m)

	ctx := context.Background()
	require.NoError(t, m.Activate(ctx, entity.For(10)))
	require.NoError(t, m.Deactivate(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, eventually, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "local", seen[0].OriginID)
	assert.True(t, seen[0].Active)
	assert.Equal(t, entity.For(10), seen[0].Expiry)
	assert.False(t, seen[1].Active)
	assert.Greater(t, seen[1].Sequence, seen[0].Sequence)
}
