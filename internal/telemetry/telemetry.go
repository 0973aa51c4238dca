// Package telemetry wires the process into an OpenTelemetry collector.
// Callback handling, HTTP request spans and config reloads are recorded;
// the subscription, retry, HLS segment, stall and IRC reconnect recorders
// are defined here but are not called by the supervisors, the retry
// manager, the HLS ripper or the IRC tap.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmoriz/twitcharchive/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Manager owns the tracer/meter providers and the named instruments used
// across the process.
type Manager struct {
	cfg            *config.TelemetryConfig
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	callbackCounter      metric.Int64Counter
	callbackDuration     metric.Float64Histogram
	callbackActive       metric.Int64UpDownCounter
	subscriptionCounter  metric.Int64Counter
	segmentsCounter      metric.Int64Counter
	stallCounter         metric.Int64Counter
	ircReconnectCounter  metric.Int64Counter
	retryCounter         metric.Int64Counter
	configReloads        metric.Int64Counter
	configReloadErrors   metric.Int64Counter
}

// NewManager constructs a Manager. cfg may be nil, in which case every
// recording method is a no-op.
func NewManager(cfg *config.TelemetryConfig, logger *slog.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger}
}

func (m *Manager) enabled() bool {
	return m.cfg != nil && m.cfg.Enabled
}

// Start sets up OTLP trace/metric exporters and registers them as the
// global providers. A no-op when telemetry is disabled.
func (m *Manager) Start(ctx context.Context) error {
	if !m.enabled() {
		m.logger.Info("telemetry disabled")
		return nil
	}

	res := resource.NewWithAttributes(
		"github.com/rmoriz/twitcharchive",
		attribute.String("service.name", m.cfg.ServiceName),
		attribute.String("service.version", m.cfg.ServiceVersion),
	)

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(m.cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricExporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpointURL(m.cfg.Endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	m.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(m.tracerProvider)
	otel.SetMeterProvider(m.meterProvider)

	m.tracer = m.tracerProvider.Tracer("github.com/rmoriz/twitcharchive")
	m.meter = m.meterProvider.Meter("github.com/rmoriz/twitcharchive")

	if err := m.initMetrics(); err != nil {
		return fmt.Errorf("telemetry: init metrics: %w", err)
	}

	m.logger.Info("telemetry started", "endpoint", m.cfg.Endpoint, "service_name", m.cfg.ServiceName)
	return nil
}

func (m *Manager) initMetrics() error {
	var err error

	m.callbackCounter, err = m.meter.Int64Counter("callback_requests_total",
		metric.WithDescription("Total number of EventSub callback requests handled"),
		metric.WithUnit("{count}"))
	if err != nil {
		return err
	}
	m.callbackDuration, err = m.meter.Float64Histogram("callback_duration_seconds",
		metric.WithDescription("Duration of EventSub callback handling"),
		metric.WithUnit("s"))
	if err != nil {
		return err
	}
	m.callbackActive, err = m.meter.Int64UpDownCounter("callback_active_requests",
		metric.WithDescription("Number of in-flight callback requests"),
		metric.WithUnit("{count}"))
	if err != nil {
		return err
	}
	m.subscriptionCounter, err = m.meter.Int64Counter("subscription_transitions_total",
		metric.WithDescription("Total number of subscription state transitions"),
		metric.WithUnit("{count}"))
	if err != nil {
		return err
	}
	m.segmentsCounter, err = m.meter.Int64Counter("hls_segments_downloaded_total",
		metric.WithDescription("Total number of HLS media segments downloaded"),
		metric.WithUnit("{count}"))
	if err != nil {
		return err
	}
	m.stallCounter, err = m.meter.Int64Counter("hls_stall_events_total",
		metric.WithDescription("Total number of media-playlist stall events observed"),
		metric.WithUnit("{count}"))
	if err != nil {
		return err
	}
	m.ircReconnectCounter, err = m.meter.Int64Counter("irc_reconnects_total",
		metric.WithDescription("Total number of IRC reconnect attempts"),
		metric.WithUnit("{count}"))
	if err != nil {
		return err
	}
	m.retryCounter, err = m.meter.Int64Counter("retry_attempts_total",
		metric.WithDescription("Total number of subscription-creation retry attempts"),
		metric.WithUnit("{count}"))
	if err != nil {
		return err
	}
	m.configReloads, err = m.meter.Int64Counter("config_reloads_total",
		metric.WithDescription("Total number of successful config reloads"),
		metric.WithUnit("{count}"))
	if err != nil {
		return err
	}
	m.configReloadErrors, err = m.meter.Int64Counter("config_reload_errors_total",
		metric.WithDescription("Total number of failed config reloads"),
		metric.WithUnit("{count}"))
	if err != nil {
		return err
	}

	return nil
}

// Stop shuts down both providers. A no-op when telemetry is disabled.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	var err error
	if m.tracerProvider != nil {
		err = m.tracerProvider.Shutdown(ctx)
	}
	if m.meterProvider != nil {
		if shutdownErr := m.meterProvider.Shutdown(ctx); err == nil {
			err = shutdownErr
		}
	}
	if err != nil {
		return fmt.Errorf("telemetry: shutdown: %w", err)
	}

	m.logger.Info("telemetry stopped")
	return nil
}

// StartSpan starts a span, or returns a no-op span when telemetry is disabled.
func (m *Manager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !m.enabled() {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordCallback records one handled callback request.
func (m *Manager) RecordCallback(ctx context.Context, messageType string, statusCode int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("message_type", messageType),
		attribute.Int("status_code", statusCode),
	)
	m.callbackCounter.Add(ctx, 1, attrs)
	m.callbackDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCallbackActive increments/decrements the in-flight callback gauge.
func (m *Manager) RecordCallbackActive(ctx context.Context, delta int64) {
	if !m.enabled() {
		return
	}
	m.callbackActive.Add(ctx, delta)
}

// RecordSubscriptionTransition records a subscription moving between states.
func (m *Manager) RecordSubscriptionTransition(ctx context.Context, eventType, toStatus string) {
	if !m.enabled() {
		return
	}
	m.subscriptionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("status", toStatus),
	))
}

// RecordSegments records a batch of successfully downloaded HLS segments.
func (m *Manager) RecordSegments(ctx context.Context, channel string, count int64) {
	if !m.enabled() || count == 0 {
		return
	}
	m.segmentsCounter.Add(ctx, count, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordStall records a media-playlist stall event.
func (m *Manager) RecordStall(ctx context.Context, channel string) {
	if !m.enabled() {
		return
	}
	m.stallCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordIRCReconnect records one IRC reconnect attempt.
func (m *Manager) RecordIRCReconnect(ctx context.Context) {
	if !m.enabled() {
		return
	}
	m.ircReconnectCounter.Add(ctx, 1)
}

// RecordRetry records one subscription-creation retry attempt.
func (m *Manager) RecordRetry(ctx context.Context, channel string, attempt int) {
	if !m.enabled() {
		return
	}
	m.retryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.Int("attempt", attempt),
	))
}

// RecordConfigReload records a config reload outcome.
func (m *Manager) RecordConfigReload(ctx context.Context, success bool) {
	if !m.enabled() {
		return
	}
	if success {
		m.configReloads.Add(ctx, 1)
	} else {
		m.configReloadErrors.Add(ctx, 1)
	}
}

// GetTracer returns the tracer instance.
func (m *Manager) GetTracer() trace.Tracer {
	return m.tracer
}

// GetMeter returns the meter instance.
func (m *Manager) GetMeter() metric.Meter {
	return m.meter
}
