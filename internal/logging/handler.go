package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Timestamp layout used in verbose mode.
const timeLayout = "15:04:05.000"

// Output state shared by a handler and every handler derived from it.
type sink struct {
	mu      sync.Mutex
	w       io.Writer
	level   slog.LevelVar
	color   bool
	verbose bool
}

// A [slog.Handler] writing one human-readable line per record.
type Handler struct {
	sink   *sink
	attrs  []byte // Pre-rendered attributes from WithAttrs.
	prefix string // Group prefix applied to attribute keys.
}

// Creates a handler writing to w at [slog.LevelInfo] without color.
func NewHandler(w io.Writer) *Handler {
	return &Handler{sink: &sink{w: w}}
}

// Sets the minimum level of records that are written.
func (h *Handler) SetLevel(level slog.Level) {
	h.sink.level.Set(level)
}

// Replaces the output writer.
func (h *Handler) SetOutput(w io.Writer) {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.w = w
}

// Enables or disables colored level tags.
func (h *Handler) SetColor(enabled bool) {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.color = enabled
}

// Enables or disables timestamps.
func (h *Handler) SetVerbose(enabled bool) {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.verbose = enabled
}

// Reports whether records at the given level are written.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.sink.level.Level()
}

// Formats and writes a record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()

	buf := make([]byte, 0, 256)
	if h.sink.verbose && !r.Time.IsZero() {
		buf = r.Time.Round(time.Millisecond).AppendFormat(buf, timeLayout)
		buf = append(buf, ' ')
	}
	buf = append(buf, levelTag(r.Level, h.sink.color)...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	buf = append(buf, h.attrs...)

	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	_, err := h.sink.w.Write(buf)
	return err
}

// Returns a handler that renders the given attributes on every record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	rendered := append([]byte(nil), h.attrs...)
	for _, a := range attrs {
		rendered = appendAttr(rendered, h.prefix, a)
	}
	return &Handler{sink: h.sink, attrs: rendered, prefix: h.prefix}
}

// Returns a handler that qualifies subsequent attribute keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{sink: h.sink, attrs: h.attrs, prefix: h.prefix + name + "."}
}

// Appends " key=value" for a, flattening groups into dotted keys.
func appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}

	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix
		if a.Key != "" {
			groupPrefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = appendAttr(buf, groupPrefix, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return appendValue(buf, a.Value.String())
}

// Appends s, quoting it when it is empty or contains spaces, quotes, '='
// or non-printable characters.
func appendValue(buf []byte, s string) []byte {
	if needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if unicode.IsSpace(r) || r == '"' || r == '=' || !unicode.IsPrint(r) {
			return true
		}
	}
	return false
}

// Returns the fixed-width tag for a level, colored when requested.
func levelTag(level slog.Level, colored bool) string {
	var (
		tag string
		c   *color.Color
	)
	switch {
	case level >= slog.LevelError:
		tag, c = "ERROR", color.New(color.FgRed, color.Bold)
	case level >= slog.LevelWarn:
		tag, c = "WARN ", color.New(color.FgYellow)
	case level >= slog.LevelInfo:
		tag, c = "INFO ", color.New(color.FgCyan)
	default:
		tag, c = "DEBUG", color.New(color.FgHiBlack)
	}

	if !colored {
		return tag
	}
	c.EnableColor()
	return c.Sprint(tag)
}

// Whether the given file is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
