package sink

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/embedfix/report"
)

// Router fans reports out to every sink. A failing sink is logged and does
// not stop delivery to the rest; the first error is returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router. With no sinks it discards everything.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

// Len returns the number of downstream sinks.
func (r *Router) Len() int { return len(r.sinks) }

func (r *Router) Send(ctx context.Context, pass report.Pass) error {
	return r.each("pass", func(s Sink) error { return s.Send(ctx, pass) })
}

func (r *Router) SendSnapshot(ctx context.Context, snap report.Snapshot) error {
	return r.each("snapshot", func(s Sink) error { return s.SendSnapshot(ctx, snap) })
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) each(kind string, fn func(Sink) error) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := fn(s); err != nil {
			r.logger.Warn("sink: send failed", "kind", kind, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
