// Package portal provides system idle-inhibition clients over D-Bus: the XDG
// Desktop Portal Inhibit interface, with an org.freedesktop.ScreenSaver
// fallback for sessions without a portal.
package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/caffeind/caffeind/internal/application/port"
	"github.com/caffeind/caffeind/internal/logging"
)

const (
	portalDest      = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	portalInterface = "org.freedesktop.portal.Inhibit"
	requestIface    = "org.freedesktop.portal.Request"

	// Inhibit flags from the portal spec
	flagLogout     = 1
	flagUserSwitch = 2
	flagSuspend    = 4
	flagIdle       = 8
)

// Flags selects what the grant suppresses.
type Flags struct {
	Idle    bool
	Suspend bool
}

func (f Flags) portal() uint32 {
	var v uint32
	if f.Idle {
		v |= flagIdle
	}
	if f.Suspend {
		v |= flagSuspend
	}
	if v == 0 {
		v = flagIdle
	}
	return v
}

// Compile-time interface check.
var _ port.Inhibitor = (*PortalInhibitor)(nil)

// PortalInhibitor acquires idle-inhibition grants through the XDG Desktop
// Portal. Works on Wayland with any compositor (GNOME, KDE, sway, hyprland).
// Each Acquire returns the portal Request object path as an opaque handle;
// Release closes that request. No retries happen here and no session state is
// kept beyond the open connection.
type PortalInhibitor struct {
	conn  *dbus.Conn
	flags Flags

	// Requests the portal already completed with a Response signal no longer
	// exist and must not be Closed again.
	mu        sync.Mutex
	completed map[dbus.ObjectPath]bool
}

// grantHandle wraps the portal Request object path.
type grantHandle struct {
	path dbus.ObjectPath
}

func (h grantHandle) String() string { return string(h.path) }

// NewPortal connects to the session bus and verifies the Inhibit portal is
// present. The error wraps port.ErrServiceUnavailable when the bus or the
// portal cannot be reached.
func NewPortal(ctx context.Context, flags Flags) (*PortalInhibitor, error) {
	log := logging.FromContext(ctx)

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect session bus: %v", port.ErrServiceUnavailable, err)
	}

	obj := conn.Object(portalDest, portalPath)
	var version uint32
	err = obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0,
		portalInterface, "version").Store(&version)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: inhibit portal not available: %v", port.ErrServiceUnavailable, err)
	}

	log.Debug().Uint32("version", version).Msg("inhibit portal available")

	return &PortalInhibitor{
		conn:      conn,
		flags:     flags,
		completed: make(map[dbus.ObjectPath]bool),
	}, nil
}

// Acquire requests an inhibition grant from the portal.
// Inhibit(window: s, flags: u, options: a{sv}) -> handle: o
func (p *PortalInhibitor) Acquire(ctx context.Context, reason string) (port.Handle, error) {
	log := logging.FromContext(ctx)

	obj := p.conn.Object(portalDest, portalPath)
	options := map[string]dbus.Variant{
		"reason": dbus.MakeVariant(reason),
	}

	var handlePath dbus.ObjectPath
	err := obj.CallWithContext(ctx, portalInterface+".Inhibit", 0,
		"", // window identifier (empty for non-sandboxed)
		p.flags.portal(),
		options,
	).Store(&handlePath)
	if err != nil {
		return nil, mapCallError("portal inhibit", err)
	}

	// Some portals (notably GNOME) complete the Inhibit request immediately
	// with a Response signal, which removes the Request object. Track that so
	// Release does not Close a non-existent object.
	go p.watchForResponse(ctx, handlePath)

	log.Info().
		Str("handle", string(handlePath)).
		Str("reason", reason).
		Msg("inhibition grant acquired via portal")

	return grantHandle{path: handlePath}, nil
}

// Release closes the portal request behind the handle.
func (p *PortalInhibitor) Release(ctx context.Context, h port.Handle) error {
	log := logging.FromContext(ctx)

	gh, ok := h.(grantHandle)
	if !ok {
		return fmt.Errorf("portal release: foreign handle %q", h.String())
	}

	p.mu.Lock()
	done := p.completed[gh.path]
	delete(p.completed, gh.path)
	p.mu.Unlock()

	if done {
		log.Debug().Str("handle", string(gh.path)).Msg("request already completed by portal")
		return nil
	}

	obj := p.conn.Object(portalDest, gh.path)
	if err := obj.CallWithContext(ctx, requestIface+".Close", 0).Err; err != nil {
		return mapCallError("portal release", err)
	}

	log.Info().Str("handle", string(gh.path)).Msg("inhibition grant released")
	return nil
}

// watchForResponse monitors the Response signal on the request object and
// marks the handle as completed when it arrives.
func (p *PortalInhibitor) watchForResponse(ctx context.Context, handlePath dbus.ObjectPath) {
	log := logging.FromContext(ctx)

	opts := []dbus.MatchOption{
		dbus.WithMatchInterface(requestIface),
		dbus.WithMatchMember("Response"),
		dbus.WithMatchObjectPath(handlePath),
	}
	if err := p.conn.AddMatchSignalContext(ctx, opts...); err != nil {
		log.Debug().Err(err).Msg("failed to add response signal match")
		return
	}

	signals := make(chan *dbus.Signal, 1)
	p.conn.Signal(signals)

	defer func() {
		p.conn.RemoveSignal(signals)
		_ = p.conn.RemoveMatchSignal(opts...)
	}()

	for {
		select {
		case sig := <-signals:
			if sig == nil {
				return
			}
			if sig.Path == handlePath && sig.Name == requestIface+".Response" {
				p.mu.Lock()
				p.completed[handlePath] = true
				p.mu.Unlock()
				log.Debug().
					Str("handle", string(handlePath)).
					Msg("request completed by portal")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the D-Bus connection. Held grants are the session manager's
// responsibility and are released before shutdown reaches this point.
func (p *PortalInhibitor) Close() error {
	p.mu.Lock()
	p.completed = make(map[dbus.ObjectPath]bool)
	p.mu.Unlock()

	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// D-Bus error names that mean the service cannot be reached rather than that
// it refused the request.
var unavailableErrNames = map[string]bool{
	"org.freedesktop.DBus.Error.ServiceUnknown":  true,
	"org.freedesktop.DBus.Error.NameHasNoOwner":  true,
	"org.freedesktop.DBus.Error.NoReply":         true,
	"org.freedesktop.DBus.Error.Timeout":         true,
	"org.freedesktop.DBus.Error.Disconnected":    true,
	"org.freedesktop.DBus.Error.NotSupported":    true,
	"org.freedesktop.DBus.Error.UnknownMethod":   true,
	"org.freedesktop.DBus.Error.UnknownObject":   true,
	"org.freedesktop.DBus.Error.UnknownService":  true,
	"org.freedesktop.DBus.Error.NoServer":        true,
	"org.freedesktop.DBus.Error.ConnectionError": true,
}

// mapCallError translates a D-Bus call failure into the grant error taxonomy:
// unreachable service -> ErrServiceUnavailable, anything else -> ErrDenied.
func mapCallError(op string, err error) error {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		if unavailableErrNames[dbusErr.Name] {
			return fmt.Errorf("%w: %s: %v", port.ErrServiceUnavailable, op, err)
		}
		return fmt.Errorf("%w: %s: %v", port.ErrDenied, op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	// Transport-level failures (closed connection, EOF) mean unreachable.
	return fmt.Errorf("%w: %s: %v", port.ErrServiceUnavailable, op, err)
}
