package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/caffeind/caffeind/internal/domain/entity"
)

// ErrNotRunning means no instance owns the control name.
var ErrNotRunning = errors.New("no running caffeind instance")

// Client drives a running instance through its control interface.
type Client struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	busName string
}

// Dial connects to the control interface of a running instance.
func Dial(ctx context.Context, busName string) (*Client, error) {
	if busName == "" {
		busName = BusName
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("control client: connect session bus: %w", err)
	}

	var owned bool
	err = conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.NameHasOwner", 0,
		busName).Store(&owned)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("control client: name lookup: %w", err)
	}
	if !owned {
		_ = conn.Close()
		return nil, ErrNotRunning
	}

	return &Client{
		conn:    conn,
		obj:     conn.Object(busName, dbus.ObjectPath(ObjectPath)),
		busName: busName,
	}, nil
}

// Activate turns inhibition on; minutes of 0 means indefinite.
func (c *Client) Activate(ctx context.Context, policy entity.ExpiryPolicy) error {
	var minutes uint32
	if !policy.IsIndefinite() {
		minutes = policy.Minutes
	}
	if err := c.obj.CallWithContext(ctx, Interface+".Activate", 0, minutes).Err; err != nil {
		return fmt.Errorf("control client: activate: %w", err)
	}
	return nil
}

// Deactivate turns inhibition off.
func (c *Client) Deactivate(ctx context.Context) error {
	if err := c.obj.CallWithContext(ctx, Interface+".Deactivate", 0).Err; err != nil {
		return fmt.Errorf("control client: deactivate: %w", err)
	}
	return nil
}

// GetState reads the running instance's logical state.
func (c *Client) GetState(ctx context.Context) (entity.Snapshot, error) {
	var (
		active       bool
		kind         byte
		minutes      uint32
		deadlineUnix int64
	)
	err := c.obj.CallWithContext(ctx, Interface+".GetState", 0).
		Store(&active, &kind, &minutes, &deadlineUnix)
	if err != nil {
		return entity.Snapshot{}, fmt.Errorf("control client: get state: %w", err)
	}

	snap := entity.Snapshot{
		Active: active,
		Expiry: entity.ExpiryPolicy{Kind: entity.ExpiryKind(kind), Minutes: minutes},
	}
	if deadlineUnix > 0 {
		snap.Deadline = time.Unix(deadlineUnix, 0)
	}
	return snap, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
