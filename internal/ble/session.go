package ble

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kpidoff10/kidoo-app-sub000/internal/tracelog"
)

// SessionOptions configures a device session.
type SessionOptions struct {
	Logger    *slog.Logger    // defaults to slog.Default()
	Tracer    tracelog.Logger // defaults to tracelog.NoopLogger
	InboxSize int             // notifications buffered per transaction (default 16)
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Logger:    slog.Default(),
		Tracer:    tracelog.NoopLogger{},
		InboxSize: 16,
	}
}

// Session is one live BLE connection to a Kidoo device. It exclusively owns
// the resolved characteristic handles and the notification subscription for
// its lifetime; both die with the link and are never carried over to a
// reconnect.
//
// A session admits one open transaction at a time: the wire format has no
// request identifier, so a reply can only be attributed to the most recent
// command.
type Session struct {
	id     string
	conn   Connection
	log    *slog.Logger
	tracer tracelog.Logger
	opts   SessionOptions

	mu         sync.Mutex
	chars      *Characteristics
	subscribed bool
	inbox      chan []byte // open transaction's inbox, nil when idle
	inboxTx    string

	inflight atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	reason    error
}

// NewSession wraps an established connection. Characteristics are resolved
// lazily by the first transaction, or eagerly through Resolve.
func NewSession(conn Connection, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracelog.NoopLogger{}
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 16
	}

	s := &Session{
		id:     uuid.NewString(),
		conn:   conn,
		opts:   opts,
		tracer: opts.Tracer,
		done:   make(chan struct{}),
	}
	s.log = opts.Logger.With("session", s.id[:8], "address", conn.Address())

	conn.OnDisconnect(func(reason error) {
		if reason == nil {
			reason = fmt.Errorf("%w: peer disconnected", ErrLinkClosed)
		}
		s.markClosed(reason)
	})

	s.trace(tracelog.NewState(s.id, "", tracelog.EntitySession, "", "open", ""))
	s.log.Info("[BLE] session open")
	return s
}

// ID returns the session identifier used in logs and traces.
func (s *Session) ID() string { return s.id }

// Address returns the peer address.
func (s *Session) Address() string { return s.conn.Address() }

// Done is closed when the link drops or the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, or nil while it is live.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.reason
	default:
		return nil
	}
}

// Resolve returns the session's characteristic handles, discovering them on
// first use. Failures are not cached.
func (s *Session) Resolve() (*Characteristics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chars != nil {
		return s.chars, nil
	}
	chars, err := Resolve(s.conn)
	if err != nil {
		return nil, err
	}
	s.chars = chars
	s.log.Debug("[BLE] characteristics resolved",
		"write", chars.Write.UUID(), "notify", chars.Notify.UUID())
	return chars, nil
}

// Close disconnects the link and ends the session. The notification
// subscription is released by the stack with the link.
func (s *Session) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	err := s.conn.Disconnect()
	s.markClosed(fmt.Errorf("%w: closed by host", ErrLinkClosed))
	if err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

func (s *Session) markClosed(reason error) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)

		s.mu.Lock()
		s.chars = nil
		s.mu.Unlock()

		if isOrderly(reason) {
			s.log.Info("[BLE] session closed", "reason", reason)
		} else {
			s.log.Warn("[BLE] session lost", "reason", reason)
		}
		s.trace(tracelog.NewState(s.id, "", tracelog.EntitySession, "open", "closed", reason.Error()))
	})
}

// subscribe enables notifications on the response characteristic once per
// session. The subscription is never disabled by a transaction: releasing it
// while the peer tears the link down races the stack's own cleanup.
func (s *Session) subscribe(chars *Characteristics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribed {
		return nil
	}
	if err := chars.Notify.Subscribe(s.handleNotification); err != nil {
		return fmt.Errorf("ble: subscribe: %w", err)
	}
	s.subscribed = true
	return nil
}

// handleNotification routes a notification value to the open transaction.
// It runs on the stack's callback goroutine and never blocks.
func (s *Session) handleNotification(data []byte) {
	value := make([]byte, len(data))
	copy(value, data)

	s.mu.Lock()
	inbox, txID := s.inbox, s.inboxTx
	s.mu.Unlock()

	s.trace(tracelog.NewFrame(s.id, txID, tracelog.DirectionIn, ResponseCharUUID, value))

	if inbox == nil {
		s.log.Debug("[BLE] notification with no open transaction, dropped", "size", len(value))
		return
	}
	select {
	case inbox <- value:
	default:
		s.log.Warn("[BLE] transaction inbox full, notification dropped", "tx", txID, "size", len(value))
	}
}

// attach routes notifications to inbox until detach.
func (s *Session) attach(txID string, inbox chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox, s.inboxTx = inbox, txID
}

// detach stops routing to inbox. It only touches in-process routing, never
// the GATT subscription.
func (s *Session) detach(inbox chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbox == inbox {
		s.inbox, s.inboxTx = nil, ""
	}
}

func (s *Session) trace(ev tracelog.Event) {
	ev.Address = s.conn.Address()
	s.tracer.Log(ev)
}
