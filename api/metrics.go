package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "collab-service/api"

type eventRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	authDuration   time.Duration
	appendDuration time.Duration
	encodeDuration time.Duration
	version        int64
	errorStage     string
}

// newEventRequestMetrics starts a span for the event submission and returns the
// span-scoped context so downstream calls are traced under it.
func newEventRequestMetrics(ctx context.Context, logger *log.Logger) (*eventRequestMetrics, context.Context) {
	m := &eventRequestMetrics{logger: logger, start: time.Now()}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, "api.post_event")
	m.span = span
	return m, spanCtx
}

func (m *eventRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *eventRequestMetrics) ObserveAppend(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.appendDuration = duration
}

func (m *eventRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *eventRequestMetrics) SetVersion(version int64) {
	if version < 0 {
		version = 0
	}
	m.version = version
}

func (m *eventRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log emits the structured metrics line and ends the span.
func (m *eventRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	if m.span != nil {
		m.span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.Int64("event.version", m.version),
		)
		if m.errorStage != "" {
			m.span.SetAttributes(attribute.String("error.stage", m.errorStage))
		}
		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":    "/api/events",
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.appendDuration > 0 {
		fields["append_ms"] = durationToMillis(m.appendDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.version > 0 {
		fields["version"] = m.version
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("events.request.metrics")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
