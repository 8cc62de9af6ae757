package gateway

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-tts-gateway/gateway"

type metrics struct {
	requests   metric.Int64Counter
	duration   metric.Float64Histogram
	audioBytes metric.Int64Counter
	active     metric.Int64UpDownCounter
	rejected   metric.Int64Counter
}

func newMetrics(log *slog.Logger) *metrics {
	m, err := initMetrics(otel.Meter(instrumentationName))
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		m, _ = initMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func initMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.requests, err = meter.Int64Counter("tts.gateway.requests",
		metric.WithDescription("Requests handled, by kind and status code")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("tts.gateway.synthesis.duration",
		metric.WithDescription("Time from job submission to terminal result"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.audioBytes, err = meter.Int64Counter("tts.gateway.audio.bytes",
		metric.WithDescription("Audio bytes written to clients"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("tts.gateway.connections.active",
		metric.WithDescription("Connections currently being handled")); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("tts.gateway.connections.rejected",
		metric.WithDescription("Connections refused because the handler pool was full")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) request(ctx context.Context, kind string, code int) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Int("status_code", code),
	))
}
