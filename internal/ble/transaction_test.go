package ble_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kpidoff10/kidoo-app-sub000/internal/ble"
	"github.com/kpidoff10/kidoo-app-sub000/internal/ble/bletest"
	"github.com/kpidoff10/kidoo-app-sub000/internal/ble/protocol"
	"github.com/kpidoff10/kidoo-app-sub000/internal/tracelog"
)

type recorder struct {
	mu     sync.Mutex
	events []tracelog.Event
}

func (r *recorder) Log(e tracelog.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) frames(dir tracelog.Direction) []tracelog.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []tracelog.Event
	for _, e := range r.events {
		if e.Category == tracelog.CategoryFrame && e.Direction == dir {
			out = append(out, e)
		}
	}
	return out
}

func quietOpts() ble.SessionOptions {
	opts := ble.DefaultSessionOptions()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func newSession(t *testing.T, configure func(p *bletest.Peripheral)) (*ble.Session, *bletest.Peripheral) {
	t.Helper()
	p := bletest.NewPeripheral("AA:BB:CC:DD:EE:FF")
	if configure != nil {
		configure(p)
	}
	s := ble.NewSession(p, quietOpts())
	t.Cleanup(func() { _ = s.Close() })
	return s, p
}

func setupCmd() protocol.Command { return protocol.NewCommand("setup") }

func txOpts(d time.Duration) ble.TxOptions { return ble.TxOptions{Timeout: d} }

func TestTransactResponse(t *testing.T) {
	s, p := newSession(t, func(p *bletest.Peripheral) {
		p.OnCommand(bletest.Reply(map[string]any{"success": true, "message": "ok", "wifiConnected": true}))
	})

	r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second))
	if r.Outcome != ble.OutcomeResponse {
		t.Fatalf("Outcome = %s, want response (cause %v)", r.Outcome, r.Cause)
	}
	if !r.Success() || r.Response.Message != "ok" {
		t.Errorf("Response = %+v", r.Response)
	}
	if r.Response.Payload["wifiConnected"] != true {
		t.Errorf("wifiConnected = %v, want true", r.Response.Payload["wifiConnected"])
	}
	if r.TxID == "" {
		t.Error("TxID should be set")
	}

	writes := p.Writes()
	if len(writes) != 1 || string(writes[0]) != `{"command":"setup"}` {
		t.Errorf("writes = %q", writes)
	}
}

func TestTransactIgnoresNoiseBeforeReply(t *testing.T) {
	s, _ := newSession(t, func(p *bletest.Peripheral) {
		p.OnCommand(bletest.Sequence(
			[]byte{},
			[]byte("  \x00\r\n"),
			[]byte("garbage"),
			[]byte("garbage"),
			[]byte(`{"success":false,"message":"bad password"}`),
		))
	})

	r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second))
	if r.Outcome != ble.OutcomeResponse {
		t.Fatalf("Outcome = %s, want response", r.Outcome)
	}
	if r.Success() || r.Response.Message != "bad password" {
		t.Errorf("Response = %+v", r.Response)
	}
}

// logBuffer collects slog text output from the transaction goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) count(msg string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), "msg=\""+msg+"\"")
}

func TestTransactDropsRepeatedValue(t *testing.T) {
	var logs logBuffer
	p := bletest.NewPeripheral("AA:BB:CC:DD:EE:FF")
	p.OnCommand(bletest.Sequence(
		[]byte("garbage"),
		[]byte("garbage"),
		[]byte("garbage!"),
		[]byte("garbage"),
		[]byte(`{"success":true,"message":"ok"}`),
	))
	opts := ble.DefaultSessionOptions()
	opts.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := ble.NewSession(p, opts)
	t.Cleanup(func() { _ = s.Close() })

	r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second))
	if r.Outcome != ble.OutcomeResponse {
		t.Fatalf("Outcome = %s, want response (cause %v)", r.Outcome, r.Cause)
	}
	// Only the back-to-back repeat is a duplicate; a value seen again after
	// a different one is decoded again.
	if got := logs.count("[BLE] duplicate notification ignored"); got != 1 {
		t.Errorf("duplicate notifications ignored = %d, want 1", got)
	}
	if got := logs.count("[BLE] malformed notification ignored"); got != 3 {
		t.Errorf("malformed notifications ignored = %d, want 3", got)
	}
}

func TestTransactFirstValidReplyWins(t *testing.T) {
	s, _ := newSession(t, func(p *bletest.Peripheral) {
		p.OnCommand(bletest.Sequence(
			[]byte(`{"success":true,"message":"first"}`),
			[]byte(`{"success":true,"message":"second"}`),
		))
	})

	r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second))
	if r.Response.Message != "first" {
		t.Errorf("Message = %q, want %q", r.Response.Message, "first")
	}
}

func TestTransactTimeout(t *testing.T) {
	s, p := newSession(t, nil)

	start := time.Now()
	r := s.Transact(context.Background(), setupCmd(), txOpts(100*time.Millisecond))
	if r.Outcome != ble.OutcomeTimeout {
		t.Fatalf("Outcome = %s, want timeout", r.Outcome)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("resolved after %v, before the deadline", elapsed)
	}
	if !errors.Is(r.Err(), ble.ErrTimeout) {
		t.Errorf("Err() = %v, want ErrTimeout", r.Err())
	}
	if len(p.Writes()) != 1 {
		t.Errorf("got %d writes, want 1", len(p.Writes()))
	}
}

func TestTransactContextDeadlineIsTimeout(t *testing.T) {
	s, _ := newSession(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r := s.Transact(ctx, setupCmd(), txOpts(30*time.Second))
	if r.Outcome != ble.OutcomeTimeout {
		t.Fatalf("Outcome = %s, want timeout", r.Outcome)
	}
}

func TestTransactPeerDisconnect(t *testing.T) {
	s, _ := newSession(t, func(p *bletest.Peripheral) {
		p.OnCommand(bletest.DropAfter(200*time.Millisecond, nil))
	})

	start := time.Now()
	r := s.Transact(context.Background(), setupCmd(), txOpts(5*time.Second))
	if r.Outcome != ble.OutcomeDisconnected {
		t.Fatalf("Outcome = %s, want disconnected (cause %v)", r.Outcome, r.Cause)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %v, should resolve promptly on disconnect", elapsed)
	}
	if r.Outcome.Retryable() != true {
		t.Error("disconnected should be retryable")
	}
	select {
	case <-s.Done():
	default:
		t.Error("session should be done after the peer disconnected")
	}
}

func TestTransactLinkFailure(t *testing.T) {
	s, _ := newSession(t, func(p *bletest.Peripheral) {
		p.OnCommand(bletest.DropAfter(20*time.Millisecond, errors.New("hci: supervision timeout")))
	})

	r := s.Transact(context.Background(), setupCmd(), txOpts(5*time.Second))
	if r.Outcome != ble.OutcomeTransportError {
		t.Fatalf("Outcome = %s, want transport-error", r.Outcome)
	}
}

func TestTransactReplyJustBeforeDrop(t *testing.T) {
	s, _ := newSession(t, func(p *bletest.Peripheral) {
		p.OnCommand(func(p *bletest.Peripheral, _ []byte) {
			p.NotifyJSON(map[string]any{"success": true, "message": "saved"})
			p.Drop(nil)
		})
	})

	r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second))
	if r.Outcome != ble.OutcomeResponse || r.Response.Message != "saved" {
		t.Fatalf("Result = %s %+v, want the reply", r.Outcome, r.Response)
	}
}

func TestTransactWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ble.Outcome
	}{
		{"att failure", errors.New("att: insufficient resources"), ble.OutcomeTransportError},
		{"link closed", fmt.Errorf("%w: org.bluez.Error.NotConnected", ble.ErrLinkClosed), ble.OutcomeDisconnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newSession(t, func(p *bletest.Peripheral) { p.FailWrites(tt.err) })
			r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second))
			if r.Outcome != tt.want {
				t.Fatalf("Outcome = %s, want %s", r.Outcome, tt.want)
			}
			if !errors.Is(r.Cause, tt.err) {
				t.Errorf("Cause = %v, want it to wrap %v", r.Cause, tt.err)
			}
		})
	}
}

func TestTransactProbeFailureSendsNothing(t *testing.T) {
	s, p := newSession(t, func(p *bletest.Peripheral) {
		p.SetProbeError(errors.New("bluez: read Connected: no reply"))
	})

	r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second))
	if r.Outcome != ble.OutcomeNotConnected {
		t.Fatalf("Outcome = %s, want not-connected", r.Outcome)
	}
	if n := len(p.Writes()); n != 0 {
		t.Errorf("got %d writes, want none", n)
	}
	if ble.IsLive(context.Background(), s) {
		t.Error("IsLive should stay false after a failed probe")
	}
}

func TestTransactMissingGATT(t *testing.T) {
	tests := []struct {
		name      string
		configure func(p *bletest.Peripheral)
		what      ble.Missing
		uuid      string
	}{
		{"service", func(p *bletest.Peripheral) { p.RemoveService() }, ble.MissingService, ble.ServiceUUID},
		{"command", func(p *bletest.Peripheral) { p.RemoveCharacteristic(ble.CommandCharUUID) }, ble.MissingCharacteristic, ble.CommandCharUUID},
		{"response", func(p *bletest.Peripheral) { p.RemoveCharacteristic(ble.ResponseCharUUID) }, ble.MissingCharacteristic, ble.ResponseCharUUID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, p := newSession(t, tt.configure)
			r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second))
			if r.Outcome != ble.OutcomeCharacteristicNotFound {
				t.Fatalf("Outcome = %s, want characteristic-not-found", r.Outcome)
			}
			var nf *ble.NotFoundError
			if !errors.As(r.Err(), &nf) {
				t.Fatalf("Err() = %v, want *NotFoundError", r.Err())
			}
			if nf.What != tt.what || nf.UUID != tt.uuid {
				t.Errorf("NotFoundError = %+v, want %s %s", nf, tt.what, tt.uuid)
			}
			if len(p.Writes()) != 0 {
				t.Error("nothing should be written without both characteristics")
			}
		})
	}
}

func TestTransactBusy(t *testing.T) {
	s, p := newSession(t, func(p *bletest.Peripheral) {
		p.OnCommand(bletest.ReplyAfter(300*time.Millisecond, map[string]any{"success": true}))
	})

	first := make(chan ble.Result, 1)
	go func() { first <- s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second)) }()

	waitFor(t, func() bool { return len(p.Writes()) == 1 })

	r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second))
	if r.Outcome != ble.OutcomeBusy {
		t.Fatalf("second Outcome = %s, want busy", r.Outcome)
	}
	if len(p.Writes()) != 1 {
		t.Error("a rejected transaction must not write")
	}

	if r := <-first; r.Outcome != ble.OutcomeResponse {
		t.Fatalf("first Outcome = %s, want response", r.Outcome)
	}
	if r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second)); r.Outcome != ble.OutcomeResponse {
		t.Fatalf("third Outcome = %s, want response once the slot is free", r.Outcome)
	}
}

func TestTransactAbandoned(t *testing.T) {
	s, p := newSession(t, func(p *bletest.Peripheral) {
		p.OnCommand(bletest.ReplyAfter(300*time.Millisecond, map[string]any{"success": true}))
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	r := s.Transact(ctx, setupCmd(), txOpts(2*time.Second))
	if r.Outcome != ble.OutcomeAbandoned {
		t.Fatalf("Outcome = %s, want abandoned", r.Outcome)
	}
	if r.TxID == "" {
		t.Error("abandoned result should carry the transaction id")
	}

	// The exchange still owns the session until the late reply lands.
	if r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second)); r.Outcome != ble.OutcomeBusy {
		t.Fatalf("Outcome = %s, want busy while the abandoned exchange runs", r.Outcome)
	}

	time.Sleep(500 * time.Millisecond)
	if r := s.Transact(context.Background(), setupCmd(), txOpts(2*time.Second)); r.Outcome != ble.OutcomeResponse {
		t.Fatalf("Outcome = %s, want response", r.Outcome)
	}
	if n := len(p.Writes()); n != 2 {
		t.Errorf("got %d writes, want 2", n)
	}
}

func TestTransactCancelledContext(t *testing.T) {
	s, p := newSession(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := s.Transact(ctx, setupCmd(), txOpts(time.Second))
	if r.Outcome != ble.OutcomeAbandoned {
		t.Fatalf("Outcome = %s, want abandoned", r.Outcome)
	}
	if len(p.Writes()) != 0 {
		t.Error("nothing should be written for a cancelled context")
	}
}

func TestSubscribeOncePerSession(t *testing.T) {
	s, p := newSession(t, func(p *bletest.Peripheral) {
		p.OnCommand(bletest.Reply(map[string]any{"success": true}))
	})

	for i := 0; i < 3; i++ {
		if r := s.Transact(context.Background(), setupCmd(), txOpts(time.Second)); r.Outcome != ble.OutcomeResponse {
			t.Fatalf("transaction %d: Outcome = %s", i, r.Outcome)
		}
	}
	if n := p.Subscribes(); n != 1 {
		t.Errorf("subscribed %d times, want 1", n)
	}
}

func TestSessionClose(t *testing.T) {
	s, p := newSession(t, nil)

	if !ble.IsLive(context.Background(), s) {
		t.Fatal("fresh session should be live")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !errors.Is(s.Err(), ble.ErrLinkClosed) {
		t.Errorf("Err() = %v, want ErrLinkClosed", s.Err())
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if p.Disconnects() != 1 {
		t.Errorf("Disconnect called %d times, want 1", p.Disconnects())
	}

	r := s.Transact(context.Background(), setupCmd(), txOpts(time.Second))
	if r.Outcome != ble.OutcomeNotConnected {
		t.Errorf("Outcome = %s, want not-connected", r.Outcome)
	}
}

func TestTransactTrace(t *testing.T) {
	rec := &recorder{}
	p := bletest.NewPeripheral("AA:BB:CC:DD:EE:FF")
	p.OnCommand(bletest.Reply(map[string]any{"success": true}))
	opts := quietOpts()
	opts.Tracer = rec
	s := ble.NewSession(p, opts)
	defer s.Close()

	r := s.Transact(context.Background(), protocol.NewCommand("setup", protocol.Param{Key: "ssid", Value: "home"}), txOpts(time.Second))
	if r.Outcome != ble.OutcomeResponse {
		t.Fatalf("Outcome = %s", r.Outcome)
	}

	out := rec.frames(tracelog.DirectionOut)
	if len(out) != 1 {
		t.Fatalf("got %d outbound frames, want 1", len(out))
	}
	if out[0].TxID != r.TxID || out[0].Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("outbound event = %+v", out[0])
	}
	if string(out[0].Frame.Data) != `{"command":"setup","ssid":"home"}` {
		t.Errorf("outbound data = %q", out[0].Frame.Data)
	}
	in := rec.frames(tracelog.DirectionIn)
	if len(in) != 1 || in[0].TxID != r.TxID {
		t.Errorf("inbound frames = %+v", in)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
