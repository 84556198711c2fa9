// Package logging configures the process-wide slog logger.
//
// Text output looks like:
//
//	2026-01-06T14:05:52Z [partsync] INFO Import started type=parts run_id=3f2c...
//
// Set LOG_FORMAT=json to emit one JSON object per line instead (slog.JSONHandler),
// and LOG_LEVEL to DEBUG, INFO, WARN or ERROR.
//
// Usage:
//
//	logging.Init("partsync")
//	slog.Info("Server started", "port", 8090)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const timestampLayout = "2006-01-02T15:04:05Z"

// ISO8601Handler writes records as "timestamp [source] LEVEL message key=value..."
type ISO8601Handler struct {
	source string
	level  slog.Leveler
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	prefix string // dotted group path applied to attrs added after WithGroup
}

// NewHandler creates a text handler for the given source tag
func NewHandler(source string, w io.Writer, level slog.Leveler) *ISO8601Handler {
	return &ISO8601Handler{
		source: source,
		writer: w,
		level:  level,
		mu:     &sync.Mutex{},
	}
}

// Enabled reports whether the handler handles records at the given level
func (h *ISO8601Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and writes the log record
func (h *ISO8601Handler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder
	buf.WriteString(r.Time.UTC().Format(timestampLayout))
	buf.WriteString(" [")
	buf.WriteString(h.source)
	buf.WriteString("] ")
	buf.WriteString(r.Level.String())
	buf.WriteString(" ")
	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, h.prefix, a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(buf, key, ga)
		}
		return
	}

	val := fmt.Sprintf("%v", a.Value.Any())
	if strings.ContainsAny(val, " \t\n\"=") {
		val = fmt.Sprintf("%q", val)
	}

	buf.WriteString(" ")
	buf.WriteString(key)
	buf.WriteString("=")
	buf.WriteString(val)
}

// WithAttrs returns a new handler with the given attributes
func (h *ISO8601Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a = slog.Attr{Key: h.prefix + "." + a.Key, Value: a.Value}
		}
		newAttrs = append(newAttrs, a)
	}

	clone := *h
	clone.attrs = newAttrs
	return &clone
}

// WithGroup returns a new handler that prefixes later keys with name
func (h *ISO8601Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.prefix == "" {
		clone.prefix = name
	} else {
		clone.prefix = clone.prefix + "." + name
	}
	return &clone
}

// NewLogger creates a logger using LOG_LEVEL and LOG_FORMAT from the environment
func NewLogger(source string, w io.Writer) *slog.Logger {
	return newLogger(source, w, getLevelFromEnv(), os.Getenv("LOG_FORMAT"))
}

// NewLoggerWithLevel creates a text logger with the specified level
func NewLoggerWithLevel(source string, w io.Writer, level slog.Level) *slog.Logger {
	return newLogger(source, w, level, "text")
}

func newLogger(source string, w io.Writer, level slog.Level, format string) *slog.Logger {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
		return slog.New(h).With("source", source)
	}
	return slog.New(NewHandler(source, w, level))
}

// ParseLevel maps a level name to a slog level, defaulting to INFO
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getLevelFromEnv() slog.Level {
	return ParseLevel(os.Getenv("LOG_LEVEL"))
}

// Init sets the default slog logger for the given source, writing to stdout
func Init(source string) {
	InitWithWriter(source, os.Stdout)
}

// InitWithWriter sets the default slog logger with a custom writer (for testing)
func InitWithWriter(source string, w io.Writer) {
	slog.SetDefault(NewLogger(source, w))
}
