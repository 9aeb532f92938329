// Package control exposes a running caffeind instance on the session bus so
// external tooling (the caffeind CLI, scripts) can drive and query it. The
// first instance to win the well-known name exports the object; later
// instances skip the export and participate through the sync bus only.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/caffeind/caffeind/internal/domain/entity"
	"github.com/caffeind/caffeind/internal/logging"
	"github.com/caffeind/caffeind/internal/session"
)

const (
	// BusName is the well-known control name on the session bus.
	BusName = "io.github.caffeind"
	// ObjectPath hosts the Manager object.
	ObjectPath = "/io/github/caffeind"
	// Interface is the control interface name.
	Interface = "io.github.caffeind.Manager"
)

// ErrNameTaken means another instance already owns the control name.
var ErrNameTaken = errors.New("control name already owned by another instance")

// Service exports the Manager control object.
type Service struct {
	conn *dbus.Conn
}

// handler is the exported D-Bus object. Minutes of 0 means indefinite.
type handler struct {
	ctx context.Context
	mgr *session.Manager
}

// Export claims the control name and serves the Manager object. Returns
// ErrNameTaken when another instance already owns the name.
func Export(ctx context.Context, mgr *session.Manager, busName string) (*Service, error) {
	log := logging.FromContext(ctx)
	if busName == "" {
		busName = BusName
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("control: connect session bus: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("control: request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		_ = conn.Close()
		return nil, ErrNameTaken
	}

	h := &handler{ctx: ctx, mgr: mgr}
	if err := conn.Export(h, ObjectPath, Interface); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("control: export object: %w", err)
	}

	node := &introspect.Node{
		Name: ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    Interface,
				Methods: introspect.Methods(h),
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("control: export introspection: %w", err)
	}

	log.Info().Str("name", busName).Msg("control interface exported")
	return &Service{conn: conn}, nil
}

// Close drops the control name and connection.
func (s *Service) Close() error {
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// Activate turns inhibition on. minutes of 0 means indefinite.
func (h *handler) Activate(minutes uint32) *dbus.Error {
	policy := entity.Indefinite()
	if minutes > 0 {
		policy = entity.For(minutes)
	}
	if err := h.mgr.Activate(h.ctx, policy); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// Deactivate turns inhibition off.
func (h *handler) Deactivate() *dbus.Error {
	if err := h.mgr.Deactivate(h.ctx); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// GetState reports (active, expiry kind, minutes, deadline unix seconds).
// Deadline is 0 unless the session is active with a finite expiry.
func (h *handler) GetState() (bool, byte, uint32, int64, *dbus.Error) {
	snap := h.mgr.Snapshot()
	var deadline int64
	if !snap.Deadline.IsZero() {
		deadline = snap.Deadline.Unix()
	}
	return snap.Active, byte(snap.Expiry.Kind), snap.Expiry.Minutes, deadline, nil
}
