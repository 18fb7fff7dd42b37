package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("metric", "api_requests"),
		attribute.String("customer_id", "cus_123"),
		attribute.String("gateway", "sandbox"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "customer_id" {
			t.Fatalf("customer_id must not be exported as a label")
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordUsage(context.Background(), "api_requests")
	m.RecordInvoiceIssued(context.Background(), "period")

	NewNoop().RecordAlert(context.Background(), "usage_warning", "high")
}
