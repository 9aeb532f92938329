// Package syncbus broadcasts state-change events between caffeind instances
// over the D-Bus session bus. Every instance emits a StateChanged signal on
// publish and receives everyone's signals, including its own; self-filtering
// is the subscriber's job. D-Bus preserves per-sender signal order, which the
// sequence-number staleness check depends on.
package syncbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/caffeind/caffeind/internal/application/port"
	"github.com/caffeind/caffeind/internal/domain/entity"
	"github.com/caffeind/caffeind/internal/logging"
)

const (
	// DefaultPath is the object path StateChanged signals are emitted on.
	DefaultPath = "/io/github/caffeind"
	// DefaultInterface carries the broadcast signal.
	DefaultInterface = "io.github.caffeind.Sync"

	signalMember = "StateChanged"
)

var _ port.SyncBus = (*Bus)(nil)

// Bus is the D-Bus backed SyncBus implementation.
type Bus struct {
	conn  *dbus.Conn
	path  dbus.ObjectPath
	iface string

	mu         sync.Mutex
	signals    chan *dbus.Signal
	subscribed bool
}

// New connects a Bus to the session bus. iface may be empty to use the
// default interface name; a config override keeps test sessions from leaking
// into a real desktop.
func New(ctx context.Context, iface string) (*Bus, error) {
	if iface == "" {
		iface = DefaultInterface
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("sync bus: connect session bus: %w", err)
	}

	return &Bus{
		conn:  conn,
		path:  dbus.ObjectPath(DefaultPath),
		iface: iface,
	}, nil
}

// Publish emits the event as a broadcast signal. Best effort: delivery is
// at-most-once with no cross-origin ordering guarantee.
func (b *Bus) Publish(ctx context.Context, ev entity.SyncEvent) error {
	if err := b.conn.Emit(b.path, b.iface+"."+signalMember, encodeEvent(ev)...); err != nil {
		return fmt.Errorf("sync bus: emit: %w", err)
	}
	return nil
}

// Subscribe installs the signal match and starts decoding deliveries onto the
// handler. Malformed payloads from unknown peers are dropped, never fatal.
func (b *Bus) Subscribe(ctx context.Context, handler func(entity.SyncEvent)) error {
	log := logging.FromContext(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribed {
		return fmt.Errorf("sync bus: already subscribed")
	}

	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(b.path),
		dbus.WithMatchInterface(b.iface),
		dbus.WithMatchMember(signalMember),
	}
	if err := b.conn.AddMatchSignalContext(ctx, opts...); err != nil {
		return fmt.Errorf("sync bus: add match: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	b.conn.Signal(signals)
	b.signals = signals
	b.subscribed = true

	go func() {
		for {
			select {
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig == nil || sig.Name != b.iface+"."+signalMember {
					continue
				}
				ev, err := decodeEvent(sig.Body)
				if err != nil {
					log.Debug().Err(err).Str("sender", sig.Sender).Msg("dropping malformed sync event")
					continue
				}
				handler(ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Close tears down the subscription and the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.signals != nil {
		b.conn.RemoveSignal(b.signals)
		b.signals = nil
	}
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}
