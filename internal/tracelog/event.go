package tracelog

import "time"

// Event is one trace record. CBOR encoding uses integer keys.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the BLE session (UUID).
	SessionID string `cbor:"2,keyasint"`

	// TxID identifies the transaction the event belongs to, if any.
	TxID string `cbor:"3,keyasint,omitempty"`

	// Address is the peer address.
	Address string `cbor:"4,keyasint,omitempty"`

	Direction Direction `cbor:"5,keyasint"`
	Category  Category  `cbor:"6,keyasint"`

	// Exactly one of these is set.
	Frame *FrameEvent `cbor:"10,keyasint,omitempty"`
	State *StateEvent `cbor:"11,keyasint,omitempty"`
	Error *ErrorEvent `cbor:"12,keyasint,omitempty"`
}

// Direction of a frame relative to this host.
type Direction uint8

const (
	DirectionNone Direction = 0
	DirectionOut  Direction = 1
	DirectionIn   Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionOut:
		return "OUT"
	case DirectionIn:
		return "IN"
	default:
		return "-"
	}
}

// Category classifies the event.
type Category uint8

const (
	CategoryFrame Category = 0
	CategoryState Category = 1
	CategoryError Category = 2
)

func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent carries a raw characteristic value.
type FrameEvent struct {
	Characteristic string `cbor:"1,keyasint"`
	Data           []byte `cbor:"2,keyasint"`
	Size           int    `cbor:"3,keyasint"`
}

// Entity names the state machine a StateEvent belongs to.
type Entity uint8

const (
	EntitySession     Entity = 0
	EntityTransaction Entity = 1
)

func (e Entity) String() string {
	if e == EntityTransaction {
		return "transaction"
	}
	return "session"
}

// StateEvent records a state transition.
type StateEvent struct {
	Entity Entity `cbor:"1,keyasint"`
	From   string `cbor:"2,keyasint,omitempty"`
	To     string `cbor:"3,keyasint"`
	Reason string `cbor:"4,keyasint,omitempty"`
}

// ErrorEvent records a failed transaction or transport error.
type ErrorEvent struct {
	Outcome string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint,omitempty"`
}

// NewFrame returns a frame event stamped now. data is copied.
func NewFrame(sessionID, txID string, dir Direction, char string, data []byte) Event {
	cp := make([]byte, len(data))
	copy(cp, data)
	return Event{
		Timestamp: time.Now(),
		SessionID: sessionID,
		TxID:      txID,
		Direction: dir,
		Category:  CategoryFrame,
		Frame:     &FrameEvent{Characteristic: char, Data: cp, Size: len(cp)},
	}
}

// NewState returns a state event stamped now.
func NewState(sessionID, txID string, entity Entity, from, to, reason string) Event {
	return Event{
		Timestamp: time.Now(),
		SessionID: sessionID,
		TxID:      txID,
		Category:  CategoryState,
		State:     &StateEvent{Entity: entity, From: from, To: to, Reason: reason},
	}
}

// NewError returns an error event stamped now.
func NewError(sessionID, txID, outcome, message string) Event {
	return Event{
		Timestamp: time.Now(),
		SessionID: sessionID,
		TxID:      txID,
		Category:  CategoryError,
		Error:     &ErrorEvent{Outcome: outcome, Message: message},
	}
}
