// Package bluez talks to the BlueZ daemon over the D-Bus system bus. On Linux
// it backs the parts tinygo-org/bluetooth does not cover for a central: the
// active liveness probe, peer disconnect notification and acknowledged
// writes. It also classifies BlueZ D-Bus errors into orderly link teardown
// versus real failures.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	BusName         = "org.bluez"
	DeviceInterface = "org.bluez.Device1"
	ObjectPath      = "/org/bluez"

	// DefaultAdapter is the HCI adapter used when none is configured.
	DefaultAdapter = "hci0"
)

// DevicePath returns the BlueZ object path of a peer, for example
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func DevicePath(adapter, address string) dbus.ObjectPath {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	dev := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(address)), ":", "_")
	return dbus.ObjectPath(ObjectPath + "/" + adapter + "/dev_" + dev)
}

// Prober holds a private system bus connection to BlueZ for one adapter.
type Prober struct {
	conn    *dbus.Conn
	adapter string
}

// NewProber opens a private system bus connection.
func NewProber(adapter string) (*Prober, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return &Prober{conn: conn, adapter: adapter}, nil
}

// Connected asks BlueZ whether the peer is connected. This is a D-Bus round
// trip to the daemon, not a cached value.
func (p *Prober) Connected(ctx context.Context, address string) (bool, error) {
	obj := p.conn.Object(BusName, DevicePath(p.adapter, address))
	var connected bool
	err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, DeviceInterface, "Connected").Store(&connected)
	if err != nil {
		return false, fmt.Errorf("bluez: read Connected: %w", err)
	}
	return connected, nil
}

// Close releases the bus connection.
func (p *Prober) Close() error {
	return p.conn.Close()
}

// Error names BlueZ returns once a link is gone or going away.
var linkClosedNames = map[string]bool{
	"org.bluez.Error.NotConnected":            true,
	"org.bluez.Error.NotAvailable":            true,
	"org.bluez.Error.Canceled":                true,
	"org.freedesktop.DBus.Error.UnknownObject": true,
	"org.freedesktop.DBus.Error.NoReply":       true,
}

// IsLinkClosed reports whether err is a D-Bus error whose name means the
// link was torn down rather than a failed operation on a live link.
func IsLinkClosed(err error) bool {
	name, ok := ErrorName(err)
	return ok && linkClosedNames[name]
}

// ErrorName extracts the D-Bus error name from err.
func ErrorName(err error) (string, bool) {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name, true
	}
	var dep *dbus.Error
	if errors.As(err, &dep) && dep != nil {
		return dep.Name, true
	}
	return "", false
}
