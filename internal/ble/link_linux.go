//go:build linux

package ble

import (
	"context"
	"fmt"

	"github.com/kpidoff10/kidoo-app-sub000/internal/bluez"
)

// On Linux tinygo-org/bluetooth drops its D-Bus signal watch once Connect
// returns and has no acknowledged write for a central, so liveness, peer
// disconnects and writes go through BlueZ directly.

// probe asks BlueZ for org.bluez.Device1.Connected over D-Bus.
func (c *tinygoConnection) probe(ctx context.Context) error {
	p, err := c.adapter.bluezProber()
	if err != nil {
		return err
	}
	connected, err := p.Connected(ctx, c.address)
	if err != nil {
		return c.classify(err)
	}
	if !connected {
		return fmt.Errorf("%w: bluez reports device disconnected", ErrLinkClosed)
	}
	return nil
}

// watch arranges for c.lost to run when BlueZ reports Connected=false.
func (c *tinygoConnection) watch() error {
	p, err := c.adapter.bluezProber()
	if err != nil {
		return err
	}
	stop, err := p.WatchDisconnect(c.address, func() {
		c.adapter.forget(c)
		c.lost(fmt.Errorf("%w: bluez reports device disconnected", ErrLinkClosed))
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.unwatch = stop
	c.mu.Unlock()
	return nil
}

// write issues GattCharacteristic1.WriteValue with type=request. The object
// path is looked up once per characteristic.
func (c *tinygoCharacteristic) write(data []byte) error {
	p, err := c.conn.adapter.bluezProber()
	if err != nil {
		return err
	}
	ctx := context.Background()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" {
		path, err := p.CharacteristicPath(ctx, c.conn.address, c.char.UUID().String())
		if err != nil {
			return c.conn.classify(err)
		}
		c.path = path
	}
	return c.conn.classify(p.WriteRequest(ctx, c.path, data))
}

func (a *TinyGoAdapter) bluezProber() (*bluez.Prober, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.prober != nil {
		return a.prober, nil
	}
	p, err := bluez.NewProber(a.hci)
	if err != nil {
		return nil, err
	}
	a.prober = p
	return p, nil
}
