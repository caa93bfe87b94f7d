// Package bletest provides an in-memory Kidoo peripheral for tests. It
// implements ble.Connection and ble.Adapter and lets a test script replies,
// drop the link and remove parts of the GATT layout.
package bletest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kpidoff10/kidoo-app-sub000/internal/ble"
)

// Responder is called for every command frame written to the peripheral.
// It runs on its own goroutine and may call Notify or Drop.
type Responder func(p *Peripheral, frame []byte)

// Peripheral simulates one connected Kidoo device. UUIDs are reported in
// upper case, as some stacks do.
type Peripheral struct {
	address string

	mu           sync.Mutex
	writes       [][]byte
	notify       func([]byte)
	subscribes   int
	disconnectCb func(error)
	dropped      bool
	disconnects  int
	probeErr     error
	writeErr     error
	writeDelay   time.Duration
	noService    bool
	noCommand    bool
	noResponse   bool
	responder    Responder
}

// NewPeripheral returns a live peripheral at address.
func NewPeripheral(address string) *Peripheral {
	return &Peripheral{address: address}
}

// OnCommand installs the responder for written frames.
func (p *Peripheral) OnCommand(r Responder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responder = r
}

// Notify delivers a raw notification value to the subscriber, if any.
func (p *Peripheral) Notify(value []byte) {
	p.mu.Lock()
	cb := p.notify
	p.mu.Unlock()
	if cb != nil {
		cb(value)
	}
}

// NotifyJSON marshals v and delivers it as a notification.
func (p *Peripheral) NotifyJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("bletest: marshal notification: %v", err))
	}
	p.Notify(b)
}

// Drop tears the link down and fires the disconnect callback with reason.
// A nil reason is an orderly disconnect by the peer.
func (p *Peripheral) Drop(reason error) {
	p.mu.Lock()
	if p.dropped {
		p.mu.Unlock()
		return
	}
	p.dropped = true
	cb := p.disconnectCb
	p.mu.Unlock()
	if reason == nil {
		reason = fmt.Errorf("%w: peer disconnected", ble.ErrLinkClosed)
	}
	if cb != nil {
		cb(reason)
	}
}

// SetProbeError makes Probe fail with err without firing the disconnect
// callback, simulating a link the host still believes is up.
func (p *Peripheral) SetProbeError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probeErr = err
}

// FailWrites makes every write return err.
func (p *Peripheral) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// SetWriteDelay delays write acknowledgment by d.
func (p *Peripheral) SetWriteDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeDelay = d
}

// RemoveService hides the Kidoo service from discovery.
func (p *Peripheral) RemoveService() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noService = true
}

// RemoveCharacteristic hides one characteristic from discovery.
func (p *Peripheral) RemoveCharacteristic(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case ble.SameUUID(uuid, ble.CommandCharUUID):
		p.noCommand = true
	case ble.SameUUID(uuid, ble.ResponseCharUUID):
		p.noResponse = true
	}
}

// Writes returns copies of every frame written so far.
func (p *Peripheral) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Subscribes returns how many times notifications were enabled.
func (p *Peripheral) Subscribes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribes
}

// Disconnects returns how many times the host called Disconnect.
func (p *Peripheral) Disconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

func (p *Peripheral) Address() string { return p.address }

func (p *Peripheral) DiscoverServices() ([]ble.Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped {
		return nil, fmt.Errorf("%w: discover on closed link", ble.ErrLinkClosed)
	}
	services := []ble.Service{
		&service{uuid: "00001800-0000-1000-8000-00805F9B34FB"},
	}
	if !p.noService {
		services = append(services, &service{uuid: strings.ToUpper(ble.ServiceUUID), p: p})
	}
	return services, nil
}

func (p *Peripheral) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.probeErr != nil {
		return p.probeErr
	}
	if p.dropped {
		return fmt.Errorf("%w: peer disconnected", ble.ErrLinkClosed)
	}
	return ctx.Err()
}

func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	p.disconnects++
	p.dropped = true
	p.mu.Unlock()
	return nil
}

func (p *Peripheral) OnDisconnect(cb func(reason error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCb = cb
}

func (p *Peripheral) write(data []byte) error {
	p.mu.Lock()
	if p.dropped {
		p.mu.Unlock()
		return fmt.Errorf("%w: write on closed link", ble.ErrLinkClosed)
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	p.writes = append(p.writes, frame)
	err, delay, r := p.writeErr, p.writeDelay, p.responder
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}
	if r != nil {
		go r(p, frame)
	}
	return nil
}

func (p *Peripheral) subscribe(cb func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped {
		return fmt.Errorf("%w: subscribe on closed link", ble.ErrLinkClosed)
	}
	p.notify = cb
	p.subscribes++
	return nil
}

type service struct {
	uuid string
	p    *Peripheral // nil for unrelated services
}

func (s *service) UUID() string { return s.uuid }

func (s *service) DiscoverCharacteristics() ([]ble.Characteristic, error) {
	if s.p == nil {
		return nil, nil
	}
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	var chars []ble.Characteristic
	if !s.p.noCommand {
		chars = append(chars, &characteristic{uuid: strings.ToUpper(ble.CommandCharUUID), p: s.p})
	}
	if !s.p.noResponse {
		chars = append(chars, &characteristic{uuid: strings.ToUpper(ble.ResponseCharUUID), p: s.p})
	}
	return chars, nil
}

type characteristic struct {
	uuid string
	p    *Peripheral
}

func (c *characteristic) UUID() string { return c.uuid }

func (c *characteristic) Write(data []byte) error {
	if !ble.SameUUID(c.uuid, ble.CommandCharUUID) {
		return fmt.Errorf("bletest: write to non-writable characteristic %s", c.uuid)
	}
	return c.p.write(data)
}

func (c *characteristic) Subscribe(cb func([]byte)) error {
	if !ble.SameUUID(c.uuid, ble.ResponseCharUUID) {
		return fmt.Errorf("bletest: characteristic %s does not notify", c.uuid)
	}
	return c.p.subscribe(cb)
}

var (
	_ ble.Connection     = (*Peripheral)(nil)
	_ ble.Characteristic = (*characteristic)(nil)
)
