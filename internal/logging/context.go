package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	planNameKey
	deviceKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithPlanName returns a context with the plan name set.
func WithPlanName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, planNameKey, name)
}

// WithDevice returns a context with the device name set.
func WithDevice(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, deviceKey, name)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// PlanName extracts the plan name from the context, or "" if absent.
func PlanName(ctx context.Context) string {
	v, _ := ctx.Value(planNameKey).(string)
	return v
}

// DeviceName extracts the device name from the context, or "" if absent.
func DeviceName(ctx context.Context) string {
	v, _ := ctx.Value(deviceKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := RunID(ctx); id != "" {
		logger = logger.With(slog.String("run_id", id))
	}
	if name := PlanName(ctx); name != "" {
		logger = logger.With(slog.String("plan", name))
	}
	if dev := DeviceName(ctx); dev != "" {
		logger = logger.With(slog.String("device", dev))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := PlanName(ctx); v != "" {
		r.AddAttrs(slog.String("plan", v))
	}
	if v := DeviceName(ctx); v != "" {
		r.AddAttrs(slog.String("device", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
