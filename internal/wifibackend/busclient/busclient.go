// Package busclient wraps a system message-bus connection with the
// request/reply and signal-subscription conventions both wireless backends
// share.
package busclient

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/wifi-captive/wificaptive/internal/wcerrors"
)

// Client owns one system-bus connection.
type Client struct {
	conn *dbus.Conn
}

// Dial connects to the system message bus at the conventional Unix domain
// socket path.
func Dial() (*Client, error) {
	const op = "busclient: dial"

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	return &Client{conn: conn}, nil
}

// Close closes the underlying bus connection.
func (c *Client) Close() error { return c.conn.Close() }

// Export publishes impl's exported methods as iface's implementation at
// path, so a bus daemon (e.g. iwd calling back into an Agent) can invoke
// them.
func (c *Client) Export(impl any, path dbus.ObjectPath, iface string) error {
	const op = "busclient: export"

	if err := c.conn.Export(impl, path, iface); err != nil {
		return wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	return nil
}

// Object returns a proxy for dest's object at path.
func (c *Client) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return c.conn.Object(dest, path)
}

// Call invokes method on obj with args, blocking for at most ctx's
// deadline, and decodes the reply into out.
func Call(ctx context.Context, obj dbus.BusObject, method string, out []any, args ...any) error {
	const op = "busclient: call"

	call := obj.CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return wcerrors.New(wcerrors.KindBackendUnavailable, op, call.Err)
	}

	if len(out) == 0 {
		return nil
	}

	if err := call.Store(out...); err != nil {
		return wcerrors.New(wcerrors.KindCodec, op, err)
	}

	return nil
}

// GetProperty reads a single org.freedesktop.DBus.Properties-exposed
// property and decodes it into out.
func GetProperty(ctx context.Context, obj dbus.BusObject, iface, name string, out any) error {
	const op = "busclient: get property"

	var variant dbus.Variant

	err := Call(ctx, obj, "org.freedesktop.DBus.Properties.Get", []any{&variant}, iface, name)
	if err != nil {
		return err
	}

	if err := dbus.Store([]any{variant.Value()}, out); err != nil {
		return wcerrors.New(wcerrors.KindCodec, op, err)
	}

	return nil
}

// Signals subscribes to signals matching opts and returns the channel they
// arrive on.  Callers must call RemoveMatchSignal with the same opts (and
// close the channel via conn.RemoveSignal) when done; see nm/iwd Close.
func (c *Client) Signals(opts ...dbus.MatchOption) (<-chan *dbus.Signal, error) {
	const op = "busclient: subscribe"

	if err := c.conn.AddMatchSignal(opts...); err != nil {
		return nil, wcerrors.New(wcerrors.KindBackendUnavailable, op, err)
	}

	ch := make(chan *dbus.Signal, 16)
	c.conn.Signal(ch)

	return ch, nil
}
