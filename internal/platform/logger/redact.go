package logger

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// RedactingHandler masks sensitive log attributes and passwords embedded in
// connection URLs.
type RedactingHandler struct {
	inner slog.Handler
	keys  map[string]struct{}
}

// NewRedactingHandler wraps handler with redaction of sensitive fields.
func NewRedactingHandler(inner slog.Handler, sensitive []string) *RedactingHandler {
	m := make(map[string]struct{}, len(sensitive))
	for _, k := range sensitive {
		m[strings.ToLower(k)] = struct{}{}
	}
	return &RedactingHandler{inner: inner, keys: m}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(h.sanitize(a))
		return true
	})
	return h.inner.Handle(ctx, nr)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.sanitize(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(clean), keys: h.keys}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), keys: h.keys}
}

func (h *RedactingHandler) sanitize(a slog.Attr) slog.Attr {
	if _, ok := h.keys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}

	switch a.Value.Kind() {
	case slog.KindGroup:
		group := a.Value.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = h.sanitize(g)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindString:
		s := a.Value.String()
		if looksSensitive(s) {
			return slog.String(a.Key, redacted)
		}
		if masked, ok := maskURLPassword(s); ok {
			return slog.String(a.Key, masked)
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			if masked, ok := maskURLPassword(err.Error()); ok {
				return slog.String(a.Key, masked)
			}
		}
	}
	return a
}

func looksSensitive(s string) bool {
	return len(s) > 12 && (strings.Contains(s, "sk-") || strings.Contains(strings.ToLower(s), "bearer "))
}

// maskURLPassword replaces the password of the first URL in s that has one.
func maskURLPassword(s string) (string, bool) {
	i := strings.Index(s, "://")
	if i < 0 {
		return s, false
	}
	start := strings.LastIndexAny(s[:i], " \t\"'=(") + 1
	end := len(s)
	if j := strings.IndexAny(s[i:], " \t\"')"); j >= 0 {
		end = i + j
	}

	u, err := url.Parse(s[start:end])
	if err != nil || u.User == nil {
		return s, false
	}
	if _, ok := u.User.Password(); !ok {
		return s, false
	}
	return s[:start] + u.Redacted() + s[end:], true
}
