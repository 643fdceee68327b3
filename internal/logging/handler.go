package logging

import (
	"context"
	"log/slog"
)

type runKey struct{}

// WithRun tags ctx so that records logged with it carry the run id.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

func RunFrom(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(runKey{}).(string)
	return runID, ok && runID != ""
}

type Handler struct {
	slog.Handler
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if runID, ok := RunFrom(ctx); ok {
		record.Add("run_id", runID)
	}
	return h.Handler.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{Handler: h.Handler.WithGroup(name)}
}
