package tracelog

import (
	"fmt"
	"strings"
	"time"
)

// Format renders an event as one human-readable line.
func Format(event Event) string {
	var b strings.Builder
	b.WriteString(event.Timestamp.Format(time.RFC3339Nano))
	fmt.Fprintf(&b, " %-5s", event.Category)
	if event.TxID != "" {
		fmt.Fprintf(&b, " tx=%s", shortID(event.TxID))
	}

	switch {
	case event.Frame != nil:
		fmt.Fprintf(&b, " %s %s %dB %q", event.Direction, event.Frame.Characteristic, event.Frame.Size, printable(event.Frame.Data))
	case event.State != nil:
		fmt.Fprintf(&b, " %s %s -> %s", event.State.Entity, event.State.From, event.State.To)
		if event.State.Reason != "" {
			fmt.Fprintf(&b, " (%s)", event.State.Reason)
		}
	case event.Error != nil:
		fmt.Fprintf(&b, " %s: %s", event.Error.Outcome, event.Error.Message)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// printable replaces non-printable bytes with '.' so frames stay on one line.
func printable(data []byte) string {
	out := make([]byte, len(data))
	for i, c := range data {
		if c < 0x20 || c > 0x7e {
			out[i] = '.'
			continue
		}
		out[i] = c
	}
	return string(out)
}
