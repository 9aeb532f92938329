// Package session implements the inhibit session manager: it owns the on/off
// state, sequences grant acquire/release against the inhibition service, runs
// the auto-expiry timer, and mirrors state across sibling instances through
// the sync bus.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caffeind/caffeind/internal/application/port"
	"github.com/caffeind/caffeind/internal/domain/entity"
	"github.com/caffeind/caffeind/internal/logging"
)

const (
	eventQueueSize   = 32
	publishQueueSize = 16
	shutdownTimeout  = 5 * time.Second
)

// policyDuration converts an expiry policy to the timer duration.
// Indirected so tests can compress time.
var policyDuration = func(p entity.ExpiryPolicy) time.Duration {
	return p.Duration()
}

// Options configures a Manager.
type Options struct {
	// InstanceID uniquely identifies this process on the sync bus. A random
	// ID is generated when empty.
	InstanceID string
	// Reason is the human-readable inhibition reason reported to the service.
	Reason string
}

// Manager orchestrates the inhibition session for one instance. All state is
// owned by a single event-loop goroutine (started by Run); the public methods
// post commands onto that loop and wait for the outcome. Blocking service IPC
// (acquire/release) runs off the loop and re-enters it on completion, so timer
// firings and sync deliveries are never starved by a slow service call.
type Manager struct {
	instanceID string
	reason     string
	inhibitor  port.Inhibitor
	bus        port.SyncBus
	listener   port.StateListener

	events    chan loopEvent
	publishCh chan entity.SyncEvent
	timer     *timerController

	// Loop-owned state. Only the Run goroutine touches these.
	active   bool
	handle   port.Handle
	expiry   entity.ExpiryPolicy
	deadline time.Time
	seq      uint64
	lastSeen map[string]uint64
	pending  *pendingAcquire
	acqGen   uint64

	// Last state reported to the listener, to fire exactly one notification
	// per observable transition.
	notifiedActive bool
	notifiedExpiry entity.ExpiryPolicy

	snapshot *snapshotCell
}

type pendingAcquire struct {
	gen       uint64
	policy    entity.ExpiryPolicy
	reply     chan<- error
	abandoned bool
}

type loopEvent interface{ loopEvent() }

type cmdActivate struct {
	policy entity.ExpiryPolicy
	reply  chan<- error
}

type cmdDeactivate struct {
	reply chan<- error
}

type evTimerFired struct {
	deadline time.Time
}

type evSync struct {
	ev entity.SyncEvent
}

type evGrantResult struct {
	gen    uint64
	handle port.Handle
	err    error
}

func (cmdActivate) loopEvent()   {}
func (cmdDeactivate) loopEvent() {}
func (evTimerFired) loopEvent()  {}
func (evSync) loopEvent()        {}
func (evGrantResult) loopEvent() {}

// NewManager creates a Manager in the inactive state. listener may be nil.
func NewManager(inhibitor port.Inhibitor, bus port.SyncBus, listener port.StateListener, opts Options) *Manager {
	id := opts.InstanceID
	if id == "" {
		id = uuid.NewString()
	}
	reason := opts.Reason
	if reason == "" {
		reason = "caffeind: user requested idle inhibition"
	}

	m := &Manager{
		instanceID: id,
		reason:     reason,
		inhibitor:  inhibitor,
		bus:        bus,
		listener:   listener,
		events:     make(chan loopEvent, eventQueueSize),
		publishCh:  make(chan entity.SyncEvent, publishQueueSize),
		lastSeen:   make(map[string]uint64),
		snapshot:   newSnapshotCell(),
	}
	m.timer = newTimerController(func(deadline time.Time) {
		m.post(evTimerFired{deadline: deadline})
	})
	return m
}

// InstanceID returns this instance's origin ID on the sync bus.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Activate acquires an inhibition grant under the given expiry policy and
// broadcasts the new state. If the session is already active the current grant
// is released first and the timer restarted under the new policy. On grant
// failure the session stays inactive and ErrGrantFailed is returned.
func (m *Manager) Activate(ctx context.Context, policy entity.ExpiryPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	select {
	case m.events <- cmdActivate{policy: policy, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deactivate releases the grant and broadcasts the off state. No-op when
// already inactive. Local state is forced inactive even when the release call
// fails; the failure is surfaced as ErrReleaseFailed.
func (m *Manager) Deactivate(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case m.events <- cmdDeactivate{reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current logical state.
func (m *Manager) Snapshot() entity.Snapshot {
	return m.snapshot.load()
}

// Run executes the event loop until ctx is cancelled, then synchronously
// releases any held grant before returning so the system is never left
// permanently inhibited by a dead instance.
func (m *Manager) Run(ctx context.Context) error {
	ctx = logging.WithComponent(ctx, "session")
	log := logging.FromContext(ctx)

	if m.bus != nil {
		if err := m.bus.Subscribe(ctx, func(ev entity.SyncEvent) {
			m.post(evSync{ev: ev})
		}); err != nil {
			return fmt.Errorf("subscribe sync bus: %w", err)
		}
	}

	go m.publisher(ctx)

	log.Debug().Str("instance_id", m.instanceID).Msg("session manager running")

	for {
		select {
		case e := <-m.events:
			m.handleEvent(ctx, e)
		case <-ctx.Done():
			m.shutdown(log)
			return nil
		}
	}
}

// post enqueues a loop event from a foreign goroutine (timer, bus, acquire
// completion). Grant results are never dropped: losing one leaks the grant
// and strands the caller waiting on its reply, so they block until the loop
// takes them. Everything else drops on a full queue rather than blocking; the
// queue is sized so this only happens if the loop itself is wedged.
func (m *Manager) post(e loopEvent) {
	if _, ok := e.(evGrantResult); ok {
		m.events <- e
		return
	}
	select {
	case m.events <- e:
	default:
	}
}

func (m *Manager) handleEvent(ctx context.Context, e loopEvent) {
	switch e := e.(type) {
	case cmdActivate:
		m.handleActivate(ctx, e)
	case cmdDeactivate:
		m.handleDeactivate(ctx, e)
	case evTimerFired:
		m.handleTimerFired(ctx, e)
	case evSync:
		m.handleSync(ctx, e)
	case evGrantResult:
		m.handleGrantResult(ctx, e)
	}
}

func (m *Manager) handleActivate(ctx context.Context, cmd cmdActivate) {
	log := logging.FromContext(ctx)

	// A newer activation supersedes an in-flight one; its grant, if any, is
	// released when the stale result arrives.
	if m.pending != nil {
		log.Debug().Msg("activation superseded by a newer request")
		m.pending.reply <- nil
		m.pending = nil
	}

	// Re-activation releases the current grant before acquiring the new one,
	// so two grants are never held at once (switching duration while running
	// restarts the timer).
	var oldHandle port.Handle
	if m.active {
		m.timer.Cancel()
		oldHandle = m.handle
		m.handle = nil
		m.active = false
		m.deadline = time.Time{}
		m.storeSnapshot()
	}

	m.acqGen++
	m.pending = &pendingAcquire{gen: m.acqGen, policy: cmd.policy, reply: cmd.reply}

	gen := m.acqGen
	reason := m.reasonFor(cmd.policy)
	go func() {
		if oldHandle != nil {
			if err := m.inhibitor.Release(ctx, oldHandle); err != nil {
				log.Warn().Err(err).Msg("failed to release previous grant")
			}
		}
		h, err := m.inhibitor.Acquire(ctx, reason)
		m.post(evGrantResult{gen: gen, handle: h, err: err})
	}()
}

func (m *Manager) handleGrantResult(ctx context.Context, res evGrantResult) {
	log := logging.FromContext(ctx)

	// Stale result: the activation it belongs to was superseded. The grant
	// must still be returned to the service.
	if m.pending == nil || m.pending.gen != res.gen {
		if res.handle != nil {
			m.releaseAsync(ctx, res.handle, nil)
		}
		return
	}

	pending := m.pending
	m.pending = nil

	if res.err != nil {
		log.Warn().Err(res.err).Msg("inhibition grant refused")
		m.notifyIfChanged()
		pending.reply <- fmt.Errorf("%w: %w", ErrGrantFailed, res.err)
		return
	}

	// Deactivated while the acquire was in flight: release the grant we just
	// received instead of dropping it.
	if pending.abandoned {
		log.Debug().Msg("releasing grant acquired after deactivation")
		m.releaseAsync(ctx, res.handle, nil)
		pending.reply <- nil
		return
	}

	m.handle = res.handle
	m.active = true
	m.expiry = pending.policy
	if d := policyDuration(pending.policy); d > 0 {
		m.deadline = time.Now().Add(d)
		m.timer.Schedule(d, m.deadline)
	} else {
		m.deadline = time.Time{}
	}
	m.storeSnapshot()

	log.Info().
		Str("handle", res.handle.String()).
		Str("expiry", pending.policy.String()).
		Msg("inhibition activated")

	m.notifyIfChanged()
	m.publish()
	pending.reply <- nil
}

func (m *Manager) handleDeactivate(ctx context.Context, cmd cmdDeactivate) {
	log := logging.FromContext(ctx)

	if m.pending != nil {
		m.pending.abandoned = true
		m.notifyIfChanged()
		// Peers that mirrored an earlier activation from this origin still
		// need the off event.
		m.publish()
		cmd.reply <- nil
		return
	}

	if !m.active {
		cmd.reply <- nil
		return
	}

	m.deactivateLocal(ctx, cmd.reply)
	log.Info().Msg("inhibition deactivated")
}

func (m *Manager) handleTimerFired(ctx context.Context, ev evTimerFired) {
	log := logging.FromContext(ctx)

	// A reschedule may have happened while this firing was in flight; only
	// the deadline currently armed is allowed to deactivate.
	if !m.active || m.deadline.IsZero() || !ev.deadline.Equal(m.deadline) {
		log.Debug().Time("fired", ev.deadline).Msg("ignoring stale timer expiry")
		return
	}

	log.Info().Msg("inhibition expired")
	m.deactivateLocal(ctx, nil)
}

// deactivateLocal clears the session state, releases the grant off-loop, and
// broadcasts the off state. Local state is forced inactive before the release
// completes so the indicator can never be stuck on.
func (m *Manager) deactivateLocal(ctx context.Context, reply chan<- error) {
	m.timer.Cancel()
	h := m.handle
	m.handle = nil
	m.active = false
	m.deadline = time.Time{}
	m.storeSnapshot()

	m.notifyIfChanged()
	m.publish()

	if h == nil {
		if reply != nil {
			reply <- nil
		}
		return
	}
	m.releaseAsync(ctx, h, reply)
}

// releaseAsync returns a grant to the service without blocking the loop.
// A failed release is surfaced (when someone is waiting) but never retried.
func (m *Manager) releaseAsync(ctx context.Context, h port.Handle, reply chan<- error) {
	log := logging.FromContext(ctx)
	go func() {
		err := m.inhibitor.Release(ctx, h)
		if err != nil {
			log.Warn().Err(err).Str("handle", h.String()).Msg("failed to release grant, abandoning")
			err = fmt.Errorf("%w: %w", ErrReleaseFailed, err)
		}
		if reply != nil {
			reply <- err
		}
	}()
}

func (m *Manager) handleSync(ctx context.Context, e evSync) {
	log := logging.FromContext(ctx)
	ev := e.ev

	if ev.OriginID == m.instanceID {
		return
	}
	if ev.Sequence <= m.lastSeen[ev.OriginID] {
		log.Debug().
			Str("origin", ev.OriginID).
			Uint64("sequence", ev.Sequence).
			Msg("dropping stale sync event")
		return
	}
	m.lastSeen[ev.OriginID] = ev.Sequence

	if ev.Active {
		// Mirror the activation for UI purposes only; the real grant is owned
		// by the originating instance and is never re-acquired here.
		m.active = true
		m.expiry = ev.Expiry
		if d := policyDuration(ev.Expiry); d > 0 {
			m.deadline = time.Now().Add(d)
			m.timer.Schedule(d, m.deadline)
		} else {
			m.deadline = time.Time{}
			m.timer.Cancel()
		}
		m.storeSnapshot()
		m.notifyIfChanged()
		log.Debug().Str("origin", ev.OriginID).Str("expiry", ev.Expiry.String()).Msg("mirrored remote activation")
		return
	}

	// Remote deactivation. Release only a grant this instance itself holds;
	// mirroring instances have nothing to release.
	m.timer.Cancel()
	if m.handle != nil {
		m.releaseAsync(ctx, m.handle, nil)
		m.handle = nil
	}
	m.active = false
	m.deadline = time.Time{}
	m.storeSnapshot()
	m.notifyIfChanged()
	log.Debug().Str("origin", ev.OriginID).Msg("mirrored remote deactivation")
}

// publish broadcasts the current state with the next per-origin sequence
// number. Best effort: a full publish queue drops the event.
func (m *Manager) publish() {
	if m.bus == nil {
		return
	}
	m.seq++
	ev := entity.SyncEvent{
		OriginID: m.instanceID,
		Active:   m.active,
		Expiry:   m.expiry,
		Sequence: m.seq,
	}
	select {
	case m.publishCh <- ev:
	default:
	}
}

// publisher drains the publish queue on a dedicated goroutine, preserving
// per-origin publish order.
func (m *Manager) publisher(ctx context.Context) {
	log := logging.FromContext(ctx)
	for {
		select {
		case ev := <-m.publishCh:
			if err := m.bus.Publish(ctx, ev); err != nil {
				log.Warn().Err(err).Msg("failed to publish sync event")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) notifyIfChanged() {
	if m.listener == nil {
		return
	}
	if m.active == m.notifiedActive && m.expiry == m.notifiedExpiry {
		return
	}
	m.notifiedActive = m.active
	m.notifiedExpiry = m.expiry
	m.listener.OnStateChanged(m.active, m.expiry)
}

func (m *Manager) reasonFor(policy entity.ExpiryPolicy) string {
	if policy.IsIndefinite() {
		return m.reason
	}
	return fmt.Sprintf("%s (for %s)", m.reason, policy)
}

// shutdown drains an in-flight acquire and synchronously releases whatever
// grant is held before Run returns.
func (m *Manager) shutdown(log *zerolog.Logger) {
	m.timer.Cancel()

	// Every grant result surrendered during the drain carries a handle that
	// must be returned to the service, whichever activation it belonged to.
	var orphaned []port.Handle
	takeResult := func(res evGrantResult) {
		if res.handle != nil {
			orphaned = append(orphaned, res.handle)
		}
		if m.pending != nil && res.gen == m.pending.gen {
			m.pending.reply <- nil
			m.pending = nil
		}
	}

	if m.pending != nil {
		deadline := time.After(shutdownTimeout)
	drain:
		for m.pending != nil {
			select {
			case e := <-m.events:
				if res, ok := e.(evGrantResult); ok {
					takeResult(res)
				}
			case <-deadline:
				log.Warn().Msg("shutdown: timed out waiting for in-flight grant")
				break drain
			}
		}
	}

	// Results from superseded activations may still sit in the queue.
sweep:
	for {
		select {
		case e := <-m.events:
			if res, ok := e.(evGrantResult); ok {
				takeResult(res)
			}
		default:
			break sweep
		}
	}

	if m.handle != nil {
		orphaned = append(orphaned, m.handle)
		m.handle = nil
	}

	if len(orphaned) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, h := range orphaned {
			if err := m.inhibitor.Release(ctx, h); err != nil {
				log.Warn().Err(err).Str("handle", h.String()).Msg("shutdown: failed to release grant")
			} else {
				log.Info().Str("handle", h.String()).Msg("shutdown: released inhibition grant")
			}
		}
	}
	m.active = false
	m.deadline = time.Time{}
	m.storeSnapshot()
}

func (m *Manager) storeSnapshot() {
	m.snapshot.store(entity.Snapshot{
		Active:   m.active,
		Expiry:   m.expiry,
		Deadline: m.deadline,
	})
}
