// Package ble implements the Kidoo BLE command/response protocol: a command
// frame is written to the command characteristic and the reply is recovered
// from notifications on the response characteristic. The package owns the
// device session lifecycle, characteristic resolution, liveness checks and
// the transaction correlator that turns one write plus asynchronous
// notifications into exactly one result.
package ble

import "context"

// Kidoo GATT layout. UUIDs are matched case- and separator-insensitively.
const (
	ServiceUUID      = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CommandCharUUID  = "beb5483e-36e1-4688-b7f5-ea07361b26a8" // write
	ResponseCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a9" // notify
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID as reported by the stack.
	UUID() string
	// Write sends data with an acknowledged write (write-with-response).
	Write(data []byte) error
	// Subscribe enables notifications and registers callback for them.
	// The callback may run on a stack-owned goroutine and must not block.
	Subscribe(callback func(data []byte)) error
}

// Service represents a discovered GATT service.
type Service interface {
	UUID() string
	DiscoverCharacteristics() ([]Characteristic, error)
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// Address returns the peer address.
	Address() string
	// DiscoverServices lists the services exposed by the peer.
	DiscoverServices() ([]Service, error)
	// Probe performs a round trip against the radio stack to confirm the
	// link is still up. A nil error means the link is live.
	Probe(ctx context.Context) error
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops. reason
	// wraps ErrLinkClosed for an orderly teardown by either peer; any other
	// reason is a link failure.
	OnDisconnect(callback func(reason error))
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID
	// until ctx is done.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
