package session

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/trackside-labs/companion/pkg/transcript"
)

// TranscriptStore archives committed turns. Implementations must be safe for
// concurrent use; write failures are logged and never interrupt the session.
type TranscriptStore interface {
	SaveTurn(ctx context.Context, sessionID string, turn transcript.Turn) error
}

// Option is a function that configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithTracer sets the OpenTelemetry tracer for the controller.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = t
	}
}

// WithMetrics sets the metrics sink for the controller.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithTranscriptStore archives every committed turn to store.
func WithTranscriptStore(store TranscriptStore) Option {
	return func(c *Controller) {
		c.store = store
	}
}

// WithEventBuffer sets the events channel capacity.
func WithEventBuffer(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}
