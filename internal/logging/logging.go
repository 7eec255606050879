// Package logging builds the structured logger every subsystem receives at
// construction (never a package-level global), modeled on
// ethereum-go-ethereum's log package: an slog handler with TTY-aware color
// and caller-frame annotation on error records.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
)

const (
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorReset  = "\033[0m"
)

// New builds a logger writing to colorable stdout, colorizing level
// markers when stdout is a terminal and falling back to plain text
// otherwise (go-colorable strips the codes for non-terminal output and
// translates them on Windows consoles that don't natively support ANSI).
func New(level slog.Level) *slog.Logger {
	out := colorable.NewColorableStdout()
	if fi, err := os.Stdout.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		out = colorable.NewNonColorable(os.Stdout)
	}
	return slog.New(&handler{out: out, level: level})
}

type handler struct {
	out   io.Writer
	level slog.Level
	attrs []slog.Attr
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.level }

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})

	if r.Level >= slog.LevelError {
		// Caller frame of the log call site, skipping the slog/handler
		// frames themselves, mirroring ethereum-go-ethereum's use of
		// go-stack to annotate error-level records.
		call := stack.Caller(3)
		fmt.Fprintf(&b, " caller=%+v", call)
	}

	b.WriteByte('\n')
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *handler) WithGroup(_ string) slog.Handler { return h }

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return colorRed + "ERROR" + colorReset
	case l >= slog.LevelWarn:
		return colorYellow + "WARN " + colorReset
	case l >= slog.LevelInfo:
		return colorBlue + "INFO " + colorReset
	default:
		return "DEBUG"
	}
}
