package playback

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-playback/internal/playback"

type controllerMetrics struct {
	sessions metric.Int64Counter
	bytes    metric.Int64Counter
	stale    metric.Int64Counter
}

func newControllerMetrics() (*controllerMetrics, error) {
	meter := otel.Meter(instrumentationName)
	sessions, err := meter.Int64Counter("loqa.playback.sessions", metric.WithDescription("Sessions reaching a status"))
	if err != nil {
		return nil, err
	}
	bytes, err := meter.Int64Counter("loqa.playback.bytes", metric.WithDescription("Audio bytes forwarded to the sink"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	stale, err := meter.Int64Counter("loqa.playback.stale_chunks", metric.WithDescription("Chunks dropped because their session was no longer active"))
	if err != nil {
		return nil, err
	}
	return &controllerMetrics{sessions: sessions, bytes: bytes, stale: stale}, nil
}

func (m *controllerMetrics) session(status Status) {
	if m == nil {
		return
	}
	m.sessions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status.String())))
}

func (m *controllerMetrics) forwarded(n int) {
	if m == nil {
		return
	}
	m.bytes.Add(context.Background(), int64(n))
}

func (m *controllerMetrics) staleChunk() {
	if m == nil {
		return
	}
	m.stale.Add(context.Background(), 1)
}
