//go:build darwin || windows

package ble

import "context"

// probe reads the ATT MTU of a discovered characteristic, which needs a live
// link on CoreBluetooth and WinRT. Before discovery there is nothing to probe
// and the link is taken as up; the stack's disconnect handler still applies.
func (c *tinygoConnection) probe(ctx context.Context) error {
	c.mu.Lock()
	ch := c.probeChar
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	if _, err := ch.GetMTU(); err != nil {
		return c.classify(err)
	}
	return ctx.Err()
}

// watch is a no-op: CoreBluetooth and WinRT report peer disconnects through
// the adapter connect handler.
func (c *tinygoConnection) watch() error { return nil }

// write uses the stack's write-with-response.
func (c *tinygoCharacteristic) write(data []byte) error {
	if _, err := c.char.Write(data); err != nil {
		return c.conn.classify(err)
	}
	return nil
}
