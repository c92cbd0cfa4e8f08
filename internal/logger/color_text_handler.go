package logger

import (
	"context"
	"io"
	"log/slog"
)

// ANSI sequences for the daemon console. The handler is only installed
// when the color flag is on, so no terminal detection happens here.
const (
	ansiReset  = "\033[0m"
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
)

// ColorTextHandler renders daemon records through slog.TextHandler with a
// severity-colored level prefix, so mirrored proctoring alerts stand out
// from routine session chatter on the console.
type ColorTextHandler struct {
	*slog.TextHandler
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

// Handle prefixes the message with the colored level, then delegates the
// rest of the rendering to the embedded text handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = levelColor(r.Level) + r.Level.String() + ansiReset + "  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}

// levelColor picks by threshold so custom levels between the standard
// four still land on a sensible color.
func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed
	case l >= slog.LevelWarn:
		return ansiYellow
	case l >= slog.LevelInfo:
		return ansiGreen
	default:
		return ansiCyan
	}
}
