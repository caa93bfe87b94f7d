package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// ConnectOptions configures connection establishment.
type ConnectOptions struct {
	Timeout      time.Duration // per attempt
	Retries      int           // extra attempts after the first
	ReconnectMax int           // backoff cap in seconds
	Session      SessionOptions

	// Backoff overrides the delay before attempt n (n >= 1). Nil uses
	// exponential backoff capped at ReconnectMax.
	Backoff func(attempt int) time.Duration
}

// DefaultConnectOptions returns sensible defaults.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		Timeout:      15 * time.Second,
		Retries:      3,
		ReconnectMax: 30,
		Session:      DefaultSessionOptions(),
	}
}

// ScanForDevices scans for peripherals advertising the Kidoo service. Each
// address appears once, strongest signal first.
func ScanForDevices(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return mergeSightings(devices), nil
}

// mergeSightings collapses repeated sightings of one address (compared
// case-insensitively) into the strongest one and sorts by RSSI.
func mergeSightings(sightings []Device) []Device {
	index := make(map[string]int, len(sightings))
	out := make([]Device, 0, len(sightings))
	for _, d := range sightings {
		key := strings.ToUpper(d.Address)
		i, ok := index[key]
		if !ok {
			index[key] = len(out)
			out = append(out, d)
			continue
		}
		if d.Name == "" {
			d.Name = out[i].Name
		}
		if d.RSSI > out[i].RSSI {
			out[i] = d
		} else if out[i].Name == "" {
			out[i].Name = d.Name
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].RSSI > out[b].RSSI })
	return out
}

// Open connects to address and returns a new session. Characteristic
// discovery happens on first use.
func Open(ctx context.Context, adapter Adapter, address string, opts SessionOptions) (*Session, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	conn, err := adapter.Connect(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	return NewSession(conn, opts), nil
}

// ConnectWithRetry opens a session, retrying failed attempts with backoff.
// Every attempt yields a fresh session; nothing is carried over.
func ConnectWithRetry(ctx context.Context, adapter Adapter, address string, opts ConnectOptions) (*Session, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = func(attempt int) time.Duration { return backoffDelay(attempt-1, opts.ReconnectMax) }
	}
	log := opts.Session.Logger
	if log == nil {
		log = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		// The first attempt goes immediately; later ones back off.
		if attempt > 0 {
			delay := backoff(attempt)
			log.Info("[BLE] reconnect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		s, err := Open(attemptCtx, adapter, address, opts.Session)
		cancel()
		if err == nil {
			log.Info("[BLE] connected", "address", address, "attempt", attempt+1)
			return s, nil
		}
		lastErr = err
		log.Warn("[BLE] connect failed", "error", err, "attempt", attempt+1)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("ble: giving up after %d attempts: %w", opts.Retries+1, lastErr)
}

// backoffDelay returns the delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
