package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes billing-level instruments.
type Metrics struct {
	usageRecorded   metric.Int64Counter
	limitDenied     metric.Int64Counter
	invoicesIssued  metric.Int64Counter
	paymentEvents   metric.Int64Counter
	alertsRaised    metric.Int64Counter
	pendingRequeued metric.Int64Counter
	rateLimited     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "meterbill"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.usageRecorded, "meterbill_usage_records_total", "Usage records appended, by metric."},
		{&m.limitDenied, "meterbill_limit_denials_total", "Gated operations rejected by plan limits."},
		{&m.invoicesIssued, "meterbill_invoices_issued_total", "Invoices frozen, by kind."},
		{&m.paymentEvents, "meterbill_payment_events_total", "Gateway results applied, by gateway and status."},
		{&m.alertsRaised, "meterbill_alerts_raised_total", "Billing alerts raised or re-triggered, by type."},
		{&m.pendingRequeued, "meterbill_usage_pending_total", "Usage records queued after a failed write."},
		{&m.rateLimited, "meterbill_rate_limited_total", "Requests rejected by the ingest rate limiter."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

// NewNoop returns instruments bound to a no-op provider, for tests and tools.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func (m *Metrics) RecordUsage(ctx context.Context, metricName string) {
	if m == nil {
		return
	}
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("metric", strings.TrimSpace(metricName)),
	)...))
}

func (m *Metrics) RecordLimitDenied(ctx context.Context, metricName, kind string) {
	if m == nil {
		return
	}
	m.limitDenied.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("metric", strings.TrimSpace(metricName)),
		attribute.String("limit_kind", strings.TrimSpace(kind)),
	)...))
}

func (m *Metrics) RecordInvoiceIssued(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.invoicesIssued.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("invoice_kind", strings.TrimSpace(kind)),
	)...))
}

// RecordPaymentEvent increments payment event counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, gateway, status string) {
	if m == nil {
		return
	}
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("gateway", strings.TrimSpace(gateway)),
		attribute.String("status", strings.TrimSpace(status)),
	)...))
}

func (m *Metrics) RecordAlert(ctx context.Context, alertType, severity string) {
	if m == nil {
		return
	}
	m.alertsRaised.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("alert_type", strings.TrimSpace(alertType)),
		attribute.String("severity", strings.TrimSpace(severity)),
	)...))
}

func (m *Metrics) RecordUsagePending(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.pendingRequeued.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("reason", strings.TrimSpace(outcome)),
	)...))
}

func (m *Metrics) RecordRateLimited(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Customer and subscription identifiers are deliberately absent: they are unbounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"metric":       {},
	"limit_kind":   {},
	"invoice_kind": {},
	"gateway":      {},
	"status":       {},
	"alert_type":   {},
	"severity":     {},
	"reason":       {},
	"endpoint":     {},
	"status_code":  {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
