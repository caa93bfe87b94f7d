package ble

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected           = errors.New("ble: not connected")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	ErrTimeout                = errors.New("ble: timed out waiting for response")
	ErrDisconnected           = errors.New("ble: device disconnected")
	ErrTransport              = errors.New("ble: transport error")
	ErrBusy                   = errors.New("ble: another transaction is in flight")
	ErrAbandoned              = errors.New("ble: caller stopped waiting")

	// ErrLinkClosed is wrapped by transports to mark an orderly teardown of
	// the link by either peer, as opposed to a radio or stack failure.
	ErrLinkClosed = errors.New("ble: link closed")
)

// Missing tells which part of the GATT layout was absent.
type Missing int

const (
	// MissingService means the peer is not a Kidoo device.
	MissingService Missing = iota
	// MissingCharacteristic means the service exists but the firmware does
	// not expose the expected characteristic.
	MissingCharacteristic
)

func (m Missing) String() string {
	if m == MissingService {
		return "service"
	}
	return "characteristic"
}

// NotFoundError reports a missing service or characteristic.
type NotFoundError struct {
	What Missing
	UUID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ble: %s %s not found", e.What, e.UUID)
}

// Is makes NotFoundError match ErrCharacteristicNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrCharacteristicNotFound
}

// isOrderly reports whether a disconnect reason is an orderly teardown. A
// nil reason counts as orderly.
func isOrderly(reason error) bool {
	return reason == nil || errors.Is(reason, ErrLinkClosed)
}
