package ble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kpidoff10/kidoo-app-sub000/internal/ble/protocol"
	"github.com/kpidoff10/kidoo-app-sub000/internal/tracelog"
)

// DefaultTimeout bounds a transaction when no timeout is given.
const DefaultTimeout = 30 * time.Second

// TxOptions configures one transaction.
type TxOptions struct {
	// Timeout bounds the whole exchange, write acknowledgment included.
	Timeout time.Duration
}

// DefaultTxOptions returns sensible defaults.
func DefaultTxOptions() TxOptions {
	return TxOptions{Timeout: DefaultTimeout}
}

type txState int

const (
	stateIdle txState = iota
	stateAwaitingSend
	stateAwaitingResponse
	stateResolved
	stateTimedOut
)

func (st txState) String() string {
	switch st {
	case stateIdle:
		return "idle"
	case stateAwaitingSend:
		return "awaiting-send"
	case stateAwaitingResponse:
		return "awaiting-response"
	case stateResolved:
		return "resolved"
	case stateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

func (st txState) terminal() bool {
	return st == stateResolved || st == stateTimedOut
}

// Transact sends cmd and waits for the device's reply.
//
// It must not be used concurrently on one session: while a transaction is
// open, further calls return OutcomeBusy without touching the link. If ctx
// ends first the caller gets OutcomeAbandoned, but the radio exchange keeps
// running until its own deadline or resolution and holds the session until
// then, so a late reply is never attributed to the next command. A ctx
// deadline earlier than opts.Timeout becomes the transaction deadline.
func (s *Session) Transact(ctx context.Context, cmd protocol.Command, opts TxOptions) Result {
	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeAbandoned, Cause: err}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctxDeadline := false
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
			ctxDeadline = true
		}
	}

	if !s.inflight.CompareAndSwap(false, true) {
		s.log.Warn("[BLE] transaction rejected, another is in flight", "command", cmd.Name())
		return Result{Outcome: OutcomeBusy, Cause: ErrBusy}
	}

	tx := newTransaction(s, cmd, timeout)
	done := make(chan Result, 1)
	go func() {
		r := tx.run()
		s.inflight.Store(false)
		done <- r
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		if ctxDeadline && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// Same deadline as the transaction timer; let it resolve.
			return <-done
		}
		tx.log.Info("[BLE] caller stopped waiting, transaction continues in background")
		return Result{Outcome: OutcomeAbandoned, Cause: ctx.Err(), TxID: tx.id}
	}
}

// transaction correlates one command write with the next valid notification.
// There is no request identifier on the wire; correlation is positional.
type transaction struct {
	id      string
	session *Session
	cmd     protocol.Command
	timeout time.Duration
	log     *slog.Logger

	state  txState
	result Result
}

func newTransaction(s *Session, cmd protocol.Command, timeout time.Duration) *transaction {
	id := uuid.NewString()
	return &transaction{
		id:      id,
		session: s,
		cmd:     cmd,
		timeout: timeout,
		log:     s.log.With("tx", id[:8], "command", cmd.Name()),
	}
}

func (t *transaction) run() Result {
	s := t.session
	deadline := time.Now().Add(t.timeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	t.transition(stateAwaitingSend, "")

	if !IsLive(ctx, s) {
		return t.fail(OutcomeNotConnected, s.Err())
	}

	chars, err := s.Resolve()
	if err != nil {
		if errors.Is(err, ErrCharacteristicNotFound) {
			return t.fail(OutcomeCharacteristicNotFound, err)
		}
		return t.linkFailure(err)
	}

	frame, err := protocol.EncodeFrame(t.cmd)
	if err != nil {
		return t.fail(OutcomeTransportError, err)
	}

	// Route notifications to this transaction and subscribe before writing:
	// a fast device can reply before a late subscribe call returns.
	inbox := make(chan []byte, s.opts.InboxSize)
	s.attach(t.id, inbox)
	defer s.detach(inbox)
	if err := s.subscribe(chars); err != nil {
		return t.linkFailure(err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	s.trace(tracelog.NewFrame(s.id, t.id, tracelog.DirectionOut, CommandCharUUID, frame))
	t.log.Debug("[BLE] writing command", "size", len(frame))
	written := make(chan error, 1)
	go func() { written <- chars.Write.Write(frame) }()

	var last []byte
	seen := false
	// accept reports whether value resolves the transaction.
	accept := func(value []byte) (protocol.Response, bool) {
		// Dedup by raw transport value: BLE notify can redeliver.
		if seen && bytes.Equal(value, last) {
			t.log.Debug("[BLE] duplicate notification ignored", "size", len(value))
			return protocol.Response{}, false
		}
		last, seen = value, true

		payload, err := protocol.DecodeFrame(value)
		if errors.Is(err, protocol.ErrNoResponse) {
			t.log.Debug("[BLE] empty notification ignored")
			return protocol.Response{}, false
		}
		if err != nil {
			t.log.Warn("[BLE] malformed notification ignored", "error", err)
			return protocol.Response{}, false
		}
		return protocol.ParseResponse(payload), true
	}

	for {
		select {
		case err := <-written:
			written = nil
			if err != nil {
				return t.linkFailure(fmt.Errorf("ble: write: %w", err))
			}
			t.transition(stateAwaitingResponse, "write acknowledged")

		case value := <-inbox:
			if resp, ok := accept(value); ok {
				return t.respond(resp)
			}

		case <-timer.C:
			return t.finish(stateTimedOut, Result{Outcome: OutcomeTimeout, Cause: ErrTimeout})

		case <-s.done:
			// A reply delivered just before the link dropped still wins.
		drain:
			for {
				select {
				case value := <-inbox:
					if resp, ok := accept(value); ok {
						return t.respond(resp)
					}
				default:
					break drain
				}
			}
			return t.linkFailure(s.Err())
		}
	}
}

// linkFailure classifies a transport error. An orderly teardown of the link,
// reported directly or by the session ending cleanly, resolves as the soft
// OutcomeDisconnected; anything else is a transport error.
func (t *transaction) linkFailure(err error) Result {
	if errors.Is(err, ErrLinkClosed) {
		return t.fail(OutcomeDisconnected, err)
	}
	if reason := t.session.Err(); reason != nil && isOrderly(reason) {
		return t.fail(OutcomeDisconnected, err)
	}
	return t.fail(OutcomeTransportError, err)
}

func (t *transaction) fail(outcome Outcome, cause error) Result {
	return t.finish(stateResolved, Result{Outcome: outcome, Cause: cause})
}

func (t *transaction) respond(resp protocol.Response) Result {
	return t.finish(stateResolved, Result{Outcome: OutcomeResponse, Response: resp})
}

// finish moves the transaction to a terminal state. Only the first call has
// any effect.
func (t *transaction) finish(to txState, r Result) Result {
	if t.state.terminal() {
		return t.result
	}
	r.TxID = t.id
	t.result = r
	t.transition(to, r.Outcome.String())

	s := t.session
	switch r.Outcome {
	case OutcomeResponse:
		t.log.Info("[BLE] response received", "success", r.Response.Success, "message", r.Response.Message)
		return r
	case OutcomeDisconnected:
		t.log.Info("[BLE] device closed the link during transaction", "reason", r.Cause)
	case OutcomeTimeout:
		t.log.Warn("[BLE] transaction timed out", "timeout", t.timeout)
	case OutcomeNotConnected:
		t.log.Warn("[BLE] device not connected")
	default:
		t.log.Error("[BLE] transaction failed", "outcome", r.Outcome, "error", r.Cause)
	}
	msg := ""
	if r.Cause != nil {
		msg = r.Cause.Error()
	}
	s.trace(tracelog.NewError(s.id, t.id, r.Outcome.String(), msg))
	return r
}

func (t *transaction) transition(to txState, reason string) {
	from := t.state
	t.state = to
	t.session.trace(tracelog.NewState(t.session.id, t.id, tracelog.EntityTransaction, from.String(), to.String(), reason))
}
