package ble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"github.com/kpidoff10/kidoo-app-sub000/internal/bluez"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On Linux it drives BlueZ; on
// macOS device addresses are CoreBluetooth UUIDs rather than MAC addresses,
// and that string is what Device.Address holds.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	hci     string

	// mu protects the connections map and the lazily opened prober.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by Address.String()
	prober      *bluez.Prober
}

// NewTinyGoAdapter creates an adapter on the default radio. hci names the
// BlueZ controller for the D-Bus side on Linux ("hci0" if empty).
func NewTinyGoAdapter(hci string) *TinyGoAdapter {
	if hci == "" {
		hci = bluez.DefaultAdapter
	}
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		hci:         hci,
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}
	// Fires with connected=false on peer drops under CoreBluetooth and
	// WinRT, and on Linux only for our own Disconnect.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.mu.Lock()
		conn, ok := a.connections[device.Address.String()]
		a.mu.Unlock()
		if ok {
			a.forget(conn)
			conn.lost(fmt.Errorf("%w: peer disconnected", ErrLinkClosed))
		}
	})
	return nil
}

// Scan reports every advertiser of serviceUUID seen before ctx ends. A
// device that advertises again refreshes its RSSI and name.
func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	want, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var (
		mu      sync.Mutex
		devices []Device
		index   = make(map[string]int)
	)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-stopped:
		}
	}()

	err = a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(want) {
			return
		}
		d := Device{Name: result.LocalName(), Address: result.Address.String(), RSSI: int(result.RSSI)}
		mu.Lock()
		defer mu.Unlock()
		if i, ok := index[d.Address]; ok {
			if d.Name == "" {
				d.Name = devices[i].Name
			}
			devices[i] = d
			return
		}
		index[d.Address] = len(devices)
		devices = append(devices, d)
	})
	close(stopped)

	if err != nil && ctx.Err() == nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

// Connect dials address. The stack's own connect timeout is set from the ctx
// deadline; ctx also bounds how long we wait for the stack to give up.
func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)
	params := bluetooth.ConnectionParams{ConnectionTimeout: connectTimeout(ctx)}

	type dialed struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan dialed, 1)
	go func() {
		device, err := a.adapter.Connect(addr, params)
		ch <- dialed{device, err}
	}()

	var d dialed
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d = <-ch:
	}
	if d.err != nil {
		return nil, d.err
	}

	conn := &tinygoConnection{adapter: a, device: d.device, address: d.device.Address.String()}
	a.mu.Lock()
	a.connections[conn.address] = conn
	a.mu.Unlock()

	// Without a disconnect watch a peer drop would only surface as a command
	// timeout, so a failed watch fails the connect.
	if err := conn.watch(); err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("watch link: %w", err)
	}
	return conn, nil
}

// maxConnectTimeout is the largest value ConnectionParams can carry
// (uint16 in 0.625 ms units).
const maxConnectTimeout = 40 * time.Second

// connectTimeout converts the ctx deadline into the stack's connection
// timeout. Zero leaves the stack default in place.
func connectTimeout(ctx context.Context) bluetooth.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0
	}
	if d > maxConnectTimeout {
		d = maxConnectTimeout
	}
	return bluetooth.NewDuration(d)
}

func (a *TinyGoAdapter) forget(c *tinygoConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connections[c.address] == c {
		delete(a.connections, c.address)
	}
}

// Close releases the BlueZ D-Bus connection, if one was opened.
func (a *TinyGoAdapter) Close() error {
	a.mu.Lock()
	p := a.prober
	a.prober = nil
	a.mu.Unlock()
	if p != nil {
		return p.Close()
	}
	return nil
}

var _ Adapter = (*TinyGoAdapter)(nil)

type tinygoConnection struct {
	adapter *TinyGoAdapter
	device  bluetooth.Device
	address string

	mu           sync.Mutex
	disconnectCb func(error)
	unwatch      func()
	probeChar    *bluetooth.DeviceCharacteristic
	closed       atomic.Bool
}

func (c *tinygoConnection) Address() string { return c.address }

func (c *tinygoConnection) DiscoverServices() ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, c.classify(err)
	}
	out := make([]Service, 0, len(svcs))
	for i := range svcs {
		out = append(out, &tinygoService{conn: c, svc: &svcs[i]})
	}
	return out, nil
}

func (c *tinygoConnection) Probe(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: peer disconnected", ErrLinkClosed)
	}
	return c.probe(ctx)
}

func (c *tinygoConnection) Disconnect() error {
	c.adapter.forget(c)
	c.closed.Store(true)
	c.stopWatch()
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func(reason error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) lost(reason error) {
	if c.closed.Swap(true) {
		return
	}
	c.stopWatch()
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb(reason)
	}
}

func (c *tinygoConnection) stopWatch() {
	c.mu.Lock()
	stop := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// classify marks errors that mean the link is gone so callers can tell an
// orderly teardown from a failed operation.
func (c *tinygoConnection) classify(err error) error {
	if err == nil {
		return nil
	}
	if c.closed.Load() || bluez.IsLinkClosed(err) {
		return fmt.Errorf("%w: %w", ErrLinkClosed, err)
	}
	return err
}

type tinygoService struct {
	conn *tinygoConnection
	svc  *bluetooth.DeviceService
}

func (s *tinygoService) UUID() string { return s.svc.UUID().String() }

func (s *tinygoService) DiscoverCharacteristics() ([]Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, s.conn.classify(err)
	}
	out := make([]Characteristic, 0, len(chars))
	for i := range chars {
		ch := &chars[i]
		if SameUUID(ch.UUID().String(), ResponseCharUUID) {
			s.conn.mu.Lock()
			s.conn.probeChar = ch
			s.conn.mu.Unlock()
		}
		out = append(out, &tinygoCharacteristic{conn: s.conn, char: ch})
	}
	return out, nil
}

type tinygoCharacteristic struct {
	conn *tinygoConnection
	char *bluetooth.DeviceCharacteristic

	mu   sync.Mutex
	path dbus.ObjectPath // BlueZ object path, resolved on first write (Linux)
}

func (c *tinygoCharacteristic) UUID() string { return c.char.UUID().String() }

// Write sends data as an acknowledged write request.
func (c *tinygoCharacteristic) Write(data []byte) error {
	return c.write(data)
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	err := c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
	return c.conn.classify(err)
}
