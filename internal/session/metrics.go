package session

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-transcribe/session"

type metrics struct {
	sessions         metric.Int64Counter
	active           metric.Int64UpDownCounter
	chunks           metric.Int64Counter
	audioBytes       metric.Int64Counter
	finalizeFailures metric.Int64Counter
	orphans          metric.Int64Counter
	duration         metric.Float64Histogram
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error
	if m.sessions, err = meter.Int64Counter("transcribe.sessions", metric.WithDescription("Sessions terminated, by status")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "transcribe.sessions"), slogError(err))
	}
	if m.active, err = meter.Int64UpDownCounter("transcribe.sessions.active", metric.WithDescription("Sessions currently streaming")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "transcribe.sessions.active"), slogError(err))
	}
	if m.chunks, err = meter.Int64Counter("transcribe.chunks", metric.WithDescription("Audio chunks fed to the recognizer")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "transcribe.chunks"), slogError(err))
	}
	if m.audioBytes, err = meter.Int64Counter("transcribe.audio.bytes", metric.WithUnit("By")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "transcribe.audio.bytes"), slogError(err))
	}
	if m.finalizeFailures, err = meter.Int64Counter("transcribe.sessions.finalize_failures", metric.WithDescription("Session rows left unfinalized after a store error")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "transcribe.sessions.finalize_failures"), slogError(err))
	}
	if m.orphans, err = meter.Int64Counter("transcribe.sessions.orphaned", metric.WithDescription("Orphaned sessions failed by the reconciler")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "transcribe.sessions.orphaned"), slogError(err))
	}
	if m.duration, err = meter.Float64Histogram("transcribe.session.duration", metric.WithUnit("s")); err != nil {
		log.Warn("failed to create metric", slog.String("metric", "transcribe.session.duration"), slogError(err))
	}
	return m
}

func (m *metrics) sessionStarted(ctx context.Context) {
	if m.active != nil {
		m.active.Add(ctx, 1)
	}
}

func (m *metrics) sessionEnded(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	if m.active != nil {
		m.active.Add(ctx, -1)
	}
	if m.sessions != nil {
		m.sessions.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, seconds, attrs)
	}
}

func (m *metrics) chunk(ctx context.Context, size int) {
	if m.chunks != nil {
		m.chunks.Add(ctx, 1)
	}
	if m.audioBytes != nil {
		m.audioBytes.Add(ctx, int64(size))
	}
}

func (m *metrics) finalizeFailed(ctx context.Context) {
	if m.finalizeFailures != nil {
		m.finalizeFailures.Add(ctx, 1)
	}
}

func (m *metrics) orphaned(ctx context.Context, n int) {
	if m.orphans != nil && n > 0 {
		m.orphans.Add(ctx, int64(n))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
