package bletest

import (
	"context"
	"errors"
	"sync"

	"github.com/kpidoff10/kidoo-app-sub000/internal/ble"
)

// ErrUnreachable is returned by Connect while the adapter is failing.
var ErrUnreachable = errors.New("bletest: device unreachable")

// Adapter hands out fresh peripherals. New configures each one before it is
// returned from Connect.
type Adapter struct {
	Devices []ble.Device
	New     func(p *Peripheral)

	mu       sync.Mutex
	failures int
	attempts int
	last     *Peripheral
}

// FailConnects makes the next n Connect calls fail.
func (a *Adapter) FailConnects(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = n
}

// Attempts returns how many times Connect was called.
func (a *Adapter) Attempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// Last returns the most recently connected peripheral.
func (a *Adapter) Last() *Peripheral {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

func (a *Adapter) Enable() error { return nil }

func (a *Adapter) Scan(ctx context.Context, _ string) ([]ble.Device, error) {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return a.Devices, nil
}

func (a *Adapter) Connect(ctx context.Context, address string) (ble.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.attempts++
	if a.failures > 0 {
		a.failures--
		a.mu.Unlock()
		return nil, ErrUnreachable
	}
	p := NewPeripheral(address)
	a.last = p
	configure := a.New
	a.mu.Unlock()
	if configure != nil {
		configure(p)
	}
	return p, nil
}

var _ ble.Adapter = (*Adapter)(nil)
