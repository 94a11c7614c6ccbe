package log

import (
	"context"
	"log/slog"
)

// SlogAdapter mirrors protocol events into an operational slog.Logger.
// Error events are logged at Warn, everything else at Debug, so a
// production logger at Info only shows protocol failures.
type SlogAdapter struct {
	logger *slog.Logger
}

func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

func (a *SlogAdapter) Log(event Event) {
	level, msg := slog.LevelDebug, "hap "+event.Category.String()
	if event.Error != nil {
		level = slog.LevelWarn
	}
	ctx := context.Background()
	if !a.logger.Enabled(ctx, level) {
		return
	}

	attrs := make([]slog.Attr, 0, 10)
	attrs = append(attrs,
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
	)
	if event.ControllerID != "" {
		attrs = append(attrs, slog.String("controller_id", event.ControllerID))
	}
	attrs = append(attrs, detailAttrs(event)...)
	a.logger.LogAttrs(ctx, level, msg, attrs...)
}

func detailAttrs(event Event) []slog.Attr {
	var attrs []slog.Attr
	add := func(a ...slog.Attr) { attrs = append(attrs, a...) }

	switch {
	case event.Frame != nil:
		f := event.Frame
		add(slog.Int("frame_size", f.Size), slog.Bool("encrypted", f.Encrypted))
		if f.Encrypted {
			add(slog.Uint64("counter", f.Counter))
		}
	case event.Message != nil:
		m := event.Message
		add(slog.String("msg_type", m.Type.String()))
		if m.Method != "" {
			add(slog.String("method", m.Method), slog.String("path", m.Path))
		}
		if m.Status != 0 {
			add(slog.Int("status", m.Status))
		}
		add(slog.Int("body_size", m.BodySize))
		if m.ProcessingTime != nil {
			add(slog.Duration("took", *m.ProcessingTime))
		}
	case event.StateChange != nil:
		sc := event.StateChange
		add(slog.String("entity", sc.Entity.String()),
			slog.String("from", sc.OldState), slog.String("to", sc.NewState))
		if sc.Reason != "" {
			add(slog.String("reason", sc.Reason))
		}
	case event.Error != nil:
		e := event.Error
		add(slog.String("error_layer", e.Layer.String()), slog.String("error", e.Message))
		if e.Context != "" {
			add(slog.String("error_context", e.Context))
		}
		if e.Code != nil {
			add(slog.Int("error_code", *e.Code))
		}
	}
	return attrs
}
