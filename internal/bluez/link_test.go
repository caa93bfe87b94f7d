package bluez

import (
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

func propsSignal(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propertiesChanged,
		Body: []any{iface, changed, []string{}},
	}
}

func TestIsDisconnectSignal(t *testing.T) {
	path := DevicePath("hci0", testAddr)
	other := DevicePath("hci0", "01:02:03:04:05:06")
	off := map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}

	tests := []struct {
		name string
		sig  *dbus.Signal
		want bool
	}{
		{"nil", nil, false},
		{"connected false", propsSignal(path, DeviceInterface, off), true},
		{"connected true", propsSignal(path, DeviceInterface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)}), false},
		{"other device", propsSignal(other, DeviceInterface, off), false},
		{"other interface", propsSignal(path, GattCharacteristicInterface, off), false},
		{"rssi only", propsSignal(path, DeviceInterface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))}), false},
		{"wrong type", propsSignal(path, DeviceInterface, map[string]dbus.Variant{"Connected": dbus.MakeVariant("no")}), false},
		{"other member", &dbus.Signal{Path: path, Name: "org.freedesktop.DBus.ObjectManager.InterfacesAdded", Body: []any{DeviceInterface, off}}, false},
		{"short body", &dbus.Signal{Path: path, Name: propertiesChanged, Body: []any{DeviceInterface}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDisconnectSignal(tt.sig, path); got != tt.want {
				t.Errorf("IsDisconnectSignal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatchSignalsReportsDrop(t *testing.T) {
	path := DevicePath("hci0", testAddr)
	sigCh := make(chan *dbus.Signal, 4)
	lost := make(chan struct{}, 2)
	returned := make(chan struct{})

	go func() {
		watchSignals(sigCh, path, make(chan struct{}), func() { lost <- struct{}{} })
		close(returned)
	}()

	sigCh <- propsSignal(path, DeviceInterface, map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-50))})
	sigCh <- propsSignal(path, DeviceInterface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)})

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("onLost not called for Connected=false")
	}
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("watchSignals did not return after reporting the drop")
	}
	if len(lost) != 0 {
		t.Error("onLost called more than once")
	}
}

func TestWatchSignalsStops(t *testing.T) {
	path := DevicePath("hci0", testAddr)
	done := make(chan struct{})
	returned := make(chan struct{})
	called := false

	go func() {
		watchSignals(make(chan *dbus.Signal), path, done, func() { called = true })
		close(returned)
	}()
	close(done)

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("watchSignals did not return after done closed")
	}
	if called {
		t.Error("onLost called without a disconnect signal")
	}
}

func TestWatchSignalsClosedChannel(t *testing.T) {
	sigCh := make(chan *dbus.Signal)
	close(sigCh)
	returned := make(chan struct{})
	go func() {
		watchSignals(sigCh, DevicePath("hci0", testAddr), make(chan struct{}), func() {})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("watchSignals did not return after the signal channel closed")
	}
}

func TestFindCharacteristic(t *testing.T) {
	device := DevicePath("hci0", testAddr)
	char := func(uuid string) map[string]map[string]dbus.Variant {
		return map[string]map[string]dbus.Variant{
			GattCharacteristicInterface: {"UUID": dbus.MakeVariant(uuid)},
		}
	}
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		device + "/service0010": {"org.bluez.GattService1": {"UUID": dbus.MakeVariant("12345678-1234-1234-1234-123456789abc")}},
		device + "/service0010/char0011": char("12345678-1234-1234-1234-123456789abd"),
		device + "/service0010/char0013": char("12345678-1234-1234-1234-123456789abe"),
		"/org/bluez/hci0/dev_01_02_03_04_05_06/service0010/char0011": char("12345678-1234-1234-1234-123456789abf"),
	}

	got, err := findCharacteristic(objects, device, "12345678-1234-1234-1234-123456789ABD")
	if err != nil {
		t.Fatalf("findCharacteristic() error = %v", err)
	}
	if want := device + "/service0010/char0011"; got != want {
		t.Errorf("findCharacteristic() = %q, want %q", got, want)
	}

	_, err = findCharacteristic(objects, device, "12345678-1234-1234-1234-123456789abf")
	if !errors.Is(err, ErrCharacteristicNotFound) {
		t.Errorf("characteristic on another device: error = %v, want ErrCharacteristicNotFound", err)
	}
}

func TestWriteOptionsRequestAck(t *testing.T) {
	opts := writeOptions()
	v, ok := opts["type"]
	if !ok {
		t.Fatal("write options carry no type")
	}
	if got, _ := v.Value().(string); got != "request" {
		t.Errorf("write type = %q, want %q", got, "request")
	}
}
