package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	GattCharacteristicInterface = "org.bluez.GattCharacteristic1"

	propertiesInterface = "org.freedesktop.DBus.Properties"
	propertiesChanged   = propertiesInterface + ".PropertiesChanged"
)

// ErrCharacteristicNotFound is returned when no GATT characteristic with the
// requested UUID exists under the device.
var ErrCharacteristicNotFound = errors.New("bluez: characteristic not found")

// WatchDisconnect reports a peer-initiated drop of address. onLost runs once,
// from a background goroutine, when BlueZ flips Device1.Connected to false.
// The returned stop func removes the match rule and ends the watch; it is
// safe to call more than once.
func (p *Prober) WatchDisconnect(address string, onLost func()) (stop func(), err error) {
	path := DevicePath(p.adapter, address)
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := p.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("bluez: watch %s: %w", path, err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	p.conn.Signal(sigCh)

	done := make(chan struct{})
	go watchSignals(sigCh, path, done, onLost)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			p.conn.RemoveSignal(sigCh)
			_ = p.conn.RemoveMatchSignal(opts...)
		})
	}, nil
}

// watchSignals calls onLost for the first disconnect signal seen on path and
// returns. It also returns when done closes or sigCh is closed.
func watchSignals(sigCh <-chan *dbus.Signal, path dbus.ObjectPath, done <-chan struct{}, onLost func()) {
	for {
		select {
		case <-done:
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			if IsDisconnectSignal(sig, path) {
				onLost()
				return
			}
		}
	}
}

// IsDisconnectSignal reports whether sig is a Device1 PropertiesChanged on
// path carrying Connected=false.
func IsDisconnectSignal(sig *dbus.Signal, path dbus.ObjectPath) bool {
	if sig == nil || sig.Path != path || sig.Name != propertiesChanged {
		return false
	}
	if len(sig.Body) < 2 {
		return false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != DeviceInterface {
		return false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false
	}
	v, ok := changed["Connected"]
	if !ok {
		return false
	}
	connected, ok := v.Value().(bool)
	return ok && !connected
}

// CharacteristicPath looks up the object path of the characteristic with
// the given UUID on address.
func (p *Prober) CharacteristicPath(ctx context.Context, address, uuid string) (dbus.ObjectPath, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := p.conn.Object(BusName, "/").CallWithContext(ctx, "org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return "", fmt.Errorf("bluez: list objects: %w", err)
	}
	return findCharacteristic(objects, DevicePath(p.adapter, address), uuid)
}

func findCharacteristic(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, device dbus.ObjectPath, uuid string) (dbus.ObjectPath, error) {
	prefix := string(device) + "/"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[GattCharacteristicInterface]
		if !ok {
			continue
		}
		got, _ := props["UUID"].Value().(string)
		if strings.EqualFold(got, uuid) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s on %s", ErrCharacteristicNotFound, uuid, device)
}

// WriteRequest writes data to the characteristic at path as an ATT write
// request, so the call returns only after the peer acknowledged it.
func (p *Prober) WriteRequest(ctx context.Context, path dbus.ObjectPath, data []byte) error {
	err := p.conn.Object(BusName, path).CallWithContext(ctx, GattCharacteristicInterface+".WriteValue", 0, data, writeOptions()).Err
	if err != nil {
		return fmt.Errorf("bluez: write %s: %w", path, err)
	}
	return nil
}

func writeOptions() map[string]dbus.Variant {
	return map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
}
