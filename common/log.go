package common

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/zhimiaox/zmqx-retain/consts"
)

// ColorHandler renders records as `time | level | msg k=v` with terminal colors.
type ColorHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func NewColorHandler(w io.Writer, level slog.Leveler) *ColorHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &ColorHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *ColorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	switch {
	case r.Level >= slog.LevelError:
		level = color.RedString(level)
	case r.Level >= slog.LevelWarn:
		level = color.YellowString(level)
	case r.Level >= slog.LevelInfo:
		level = color.BlueString(level)
	default:
		level = color.MagentaString(level)
	}
	line := &strings.Builder{}
	fmt.Fprintf(line, "%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05.000")),
		level,
		color.CyanString(r.Message),
	)
	prefix := strings.Join(h.groups, ".")
	if prefix != "" {
		prefix += "."
	}
	for _, attr := range h.attrs {
		line.WriteString(color.CyanString(" %s=%v", attr.Key, attr.Value))
	}
	r.Attrs(func(attr slog.Attr) bool {
		line.WriteString(color.CyanString(" %s%s=%v", prefix, attr.Key, attr.Value))
		return true
	})
	line.WriteByte('\n')
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line.String())
	return err
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := strings.Join(h.groups, ".")
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	for _, attr := range attrs {
		if prefix != "" {
			attr.Key = prefix + "." + attr.Key
		}
		newAttrs = append(newAttrs, attr)
	}
	return &ColorHandler{mu: h.mu, w: h.w, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]string{}, h.groups...), name)
	return &ColorHandler{mu: h.mu, w: h.w, level: h.level, attrs: h.attrs, groups: groups}
}

// NewLogHandler builds the slog handler for a server.log_format value.
func NewLogHandler(format string, w io.Writer, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case consts.LogJSON:
		return slog.NewJSONHandler(w, opts)
	case consts.LogColor:
		return NewColorHandler(w, level)
	default:
		return slog.NewTextHandler(w, opts)
	}
}
