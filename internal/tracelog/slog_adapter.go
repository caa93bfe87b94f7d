package tracelog

import (
	"context"
	"encoding/base64"
	"log/slog"
)

// SlogAdapter writes events to an slog.Logger at debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter returns an adapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event, with outbound secrets masked.
func (a *SlogAdapter) Log(event Event) {
	event = event.redacted()
	attrs := []slog.Attr{
		slog.String("session", event.SessionID),
		slog.String("category", event.Category.String()),
	}
	if event.TxID != "" {
		attrs = append(attrs, slog.String("tx", event.TxID))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.String("direction", event.Direction.String()),
			slog.String("char", event.Frame.Characteristic),
			slog.Int("size", event.Frame.Size),
			slog.String("value", base64.StdEncoding.EncodeToString(event.Frame.Data)),
		)
	case event.State != nil:
		attrs = append(attrs,
			slog.String("entity", event.State.Entity.String()),
			slog.String("from", event.State.From),
			slog.String("to", event.State.To),
		)
		if event.State.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.State.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("outcome", event.Error.Outcome),
			slog.String("error", event.Error.Message),
		)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "[TRACE]", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
