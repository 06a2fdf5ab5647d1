// Package progress carries incremental progress from long device operations
// to whoever started them, and the caller's cooperative "keep going?" answer
// back to the operation.
package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Sink receives progress updates. Producers call Update after each unit of
// work (one flash row, one archive entry) and stop as soon as it returns
// false. That return value is the only cancellation mechanism.
type Sink interface {
	Update(current, total int, message string) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(current, total int, message string) bool

func (f SinkFunc) Update(current, total int, message string) bool {
	return f(current, total, message)
}

// Discard accepts every update and never cancels.
var Discard Sink = SinkFunc(func(int, int, string) bool { return true })

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}

// Log writes each update to the default slog logger and forwards it to next.
func Log(event string, next Sink) Sink {
	next = OrDiscard(next)
	return SinkFunc(func(current, total int, message string) bool {
		slog.Debug(event, "current", current, "total", total, "message", message)
		return next.Update(current, total, message)
	})
}

// WithContext cancels once ctx is done, otherwise defers to next.
func WithContext(ctx context.Context, next Sink) Sink {
	next = OrDiscard(next)
	return SinkFunc(func(current, total int, message string) bool {
		if ctx.Err() != nil {
			return false
		}
		return next.Update(current, total, message)
	})
}

// Writer renders updates as a single rewritten terminal line.
func Writer(w io.Writer) Sink {
	return SinkFunc(func(current, total int, message string) bool {
		if total > 0 {
			fmt.Fprintf(w, "\r\033[K[%3d%%] %s", Percent(current, total), message)
		} else {
			fmt.Fprintf(w, "\r\033[K%s", message)
		}
		return true
	})
}

// Percent returns current/total as an integer percentage, clamped to 0..100.
func Percent(current, total int) int {
	if total <= 0 || current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return current * 100 / total
}
