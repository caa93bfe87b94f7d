package ble

import (
	"context"
	"fmt"
)

// IsLive reports whether the session's link is up. It does not trust a
// cached flag: unless the session already ended, it probes the transport
// with a round trip. A failed probe is authoritative and ends the session.
func IsLive(ctx context.Context, s *Session) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	if err := s.conn.Probe(ctx); err != nil {
		s.log.Debug("[BLE] liveness probe failed", "error", err)
		s.markClosed(fmt.Errorf("%w: liveness probe: %w", ErrLinkClosed, err))
		return false
	}
	return true
}
