package ble

import (
	"fmt"

	"github.com/kpidoff10/kidoo-app-sub000/internal/ble/protocol"
)

// Outcome classifies how a transaction resolved. Every outcome is a normal
// result of a real device exchange; callers branch on it instead of treating
// it as an exceptional error.
type Outcome int

const (
	// OutcomeResponse: a notification decoded to a JSON object.
	OutcomeResponse Outcome = iota
	// OutcomeNotConnected: the liveness check failed before anything was sent.
	OutcomeNotConnected
	// OutcomeCharacteristicNotFound: the Kidoo service or a characteristic is absent.
	OutcomeCharacteristicNotFound
	// OutcomeTimeout: no valid reply before the deadline.
	OutcomeTimeout
	// OutcomeDisconnected: the link was torn down in an orderly way during the
	// exchange. This is expected after some commands, e.g. setup applying new
	// WiFi settings.
	OutcomeDisconnected
	// OutcomeTransportError: any other radio or stack failure.
	OutcomeTransportError
	// OutcomeBusy: another transaction is open on the session; nothing was sent.
	OutcomeBusy
	// OutcomeAbandoned: the caller's context ended first. The transaction
	// keeps running in the background until it resolves on its own.
	OutcomeAbandoned
)

var outcomeNames = map[Outcome]string{
	OutcomeResponse:               "response",
	OutcomeNotConnected:           "not-connected",
	OutcomeCharacteristicNotFound: "characteristic-not-found",
	OutcomeTimeout:                "timeout",
	OutcomeDisconnected:           "disconnected",
	OutcomeTransportError:         "transport-error",
	OutcomeBusy:                   "busy",
	OutcomeAbandoned:              "abandoned",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Retryable reports whether the same command may be reissued, possibly on a
// fresh session. CharacteristicNotFound needs a new session on the right
// device and is never retryable.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeTimeout, OutcomeDisconnected, OutcomeBusy, OutcomeNotConnected:
		return true
	default:
		return false
	}
}

// Result is the resolved value of a transaction.
type Result struct {
	Outcome Outcome
	// Response is set when Outcome is OutcomeResponse.
	Response protocol.Response
	// Cause carries the underlying error for failure outcomes.
	Cause error
	// TxID identifies the transaction in logs and traces.
	TxID string
}

// Success reports whether a reply was decoded and the device accepted the
// command.
func (r Result) Success() bool {
	return r.Outcome == OutcomeResponse && r.Response.Success
}

// Err returns nil for OutcomeResponse and otherwise an error matching the
// outcome's sentinel with errors.Is.
func (r Result) Err() error {
	var sentinel error
	switch r.Outcome {
	case OutcomeResponse:
		return nil
	case OutcomeNotConnected:
		sentinel = ErrNotConnected
	case OutcomeCharacteristicNotFound:
		if r.Cause != nil {
			return r.Cause
		}
		return ErrCharacteristicNotFound
	case OutcomeTimeout:
		sentinel = ErrTimeout
	case OutcomeDisconnected:
		sentinel = ErrDisconnected
	case OutcomeTransportError:
		sentinel = ErrTransport
	case OutcomeBusy:
		sentinel = ErrBusy
	case OutcomeAbandoned:
		sentinel = ErrAbandoned
	default:
		return fmt.Errorf("ble: %s", r.Outcome)
	}
	if r.Cause == nil || r.Cause == sentinel {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, r.Cause)
}
