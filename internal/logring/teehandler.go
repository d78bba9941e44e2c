package logring

import (
	"context"
	"log/slog"
	"slices"
	"strings"
)

// TeeHandler wraps an inner slog.Handler and also writes log records
// to a RingBuffer so the health endpoint can report recent problems
// without anyone tailing the log file.
type TeeHandler struct {
	inner  slog.Handler
	ring   *RingBuffer
	attrs  []slog.Attr
	groups []string
}

// NewTeeHandler creates a handler that forwards to inner and captures to ring.
func NewTeeHandler(inner slog.Handler, ring *RingBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, ring: ring}
}

// Enabled delegates to the inner handler.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle captures the record into the ring, then forwards it.
func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	h.ring.Add(h.capture(r))
	return h.inner.Handle(ctx, r)
}

// capture flattens the record plus any pre-set attrs into a LogEntry.
// Group names become dotted key prefixes.
func (h *TeeHandler) capture(r slog.Record) LogEntry {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		entry.Attrs = attrs
	}
	return entry
}

// WithAttrs returns a new handler with the given attributes pre-set.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{
		inner:  h.inner.WithAttrs(attrs),
		ring:   h.ring,
		attrs:  append(slices.Clone(h.attrs), attrs...),
		groups: h.groups,
	}
}

// WithGroup returns a new handler scoped under the given group name.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &TeeHandler{
		inner:  h.inner.WithGroup(name),
		ring:   h.ring,
		attrs:  slices.Clone(h.attrs),
		groups: append(slices.Clone(h.groups), name),
	}
}
