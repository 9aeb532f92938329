package portal

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/caffeind/caffeind/internal/application/port"
	"github.com/caffeind/caffeind/internal/logging"
)

const (
	screenSaverDest  = "org.freedesktop.ScreenSaver"
	screenSaverPath  = "/org/freedesktop/ScreenSaver"
	screenSaverIface = "org.freedesktop.ScreenSaver"
)

var _ port.Inhibitor = (*ScreenSaverInhibitor)(nil)

// ScreenSaverInhibitor acquires grants through the freedesktop ScreenSaver
// service (Inhibit/UnInhibit cookie API). Used on sessions without an XDG
// portal, typically X11 desktops.
type ScreenSaverInhibitor struct {
	conn    *dbus.Conn
	appName string
}

// cookieHandle wraps the ScreenSaver inhibition cookie.
type cookieHandle uint32

func (h cookieHandle) String() string { return fmt.Sprintf("cookie:%d", uint32(h)) }

// NewScreenSaver connects to the session bus and verifies the ScreenSaver
// service has an owner.
func NewScreenSaver(ctx context.Context, appName string) (*ScreenSaverInhibitor, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect session bus: %v", port.ErrServiceUnavailable, err)
	}

	var owned bool
	err = conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0,
		screenSaverDest).Store(&owned)
	if err != nil || !owned {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: screensaver service not available", port.ErrServiceUnavailable)
	}

	return &ScreenSaverInhibitor{conn: conn, appName: appName}, nil
}

// Acquire calls Inhibit(application_name: s, reason: s) -> cookie: u.
func (s *ScreenSaverInhibitor) Acquire(ctx context.Context, reason string) (port.Handle, error) {
	log := logging.FromContext(ctx)

	obj := s.conn.Object(screenSaverDest, screenSaverPath)
	var cookie uint32
	err := obj.CallWithContext(ctx, screenSaverIface+".Inhibit", 0,
		s.appName, reason).Store(&cookie)
	if err != nil {
		return nil, mapCallError("screensaver inhibit", err)
	}

	log.Info().
		Uint32("cookie", cookie).
		Str("reason", reason).
		Msg("inhibition grant acquired via screensaver service")

	return cookieHandle(cookie), nil
}

// Release calls UnInhibit(cookie: u).
func (s *ScreenSaverInhibitor) Release(ctx context.Context, h port.Handle) error {
	log := logging.FromContext(ctx)

	ch, ok := h.(cookieHandle)
	if !ok {
		return fmt.Errorf("screensaver release: foreign handle %q", h.String())
	}

	obj := s.conn.Object(screenSaverDest, screenSaverPath)
	if err := obj.CallWithContext(ctx, screenSaverIface+".UnInhibit", 0, uint32(ch)).Err; err != nil {
		return mapCallError("screensaver uninhibit", err)
	}

	log.Info().Uint32("cookie", uint32(ch)).Msg("inhibition grant released")
	return nil
}

// Close releases the D-Bus connection.
func (s *ScreenSaverInhibitor) Close() error {
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
