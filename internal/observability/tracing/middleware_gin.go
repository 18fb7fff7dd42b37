package tracing

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/meterbill/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "meterbill/http"

// Span attribute keys for the billing context of a request.
const (
	AttrCustomerID  = attribute.Key("meterbill.customer_id")
	AttrMetric      = attribute.Key("meterbill.metric")
	AttrGateway     = attribute.Key("meterbill.gateway")
	AttrRateLimited = attribute.Key("meterbill.rate_limited")
	AttrErrorType   = attribute.Key("meterbill.error.type")
	AttrErrorCode   = attribute.Key("meterbill.error.code")
)

type MiddlewareConfig struct {
	// ErrorClassifier maps the last handler error to its public type and code.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware opens a server span per request and tags it with the customer, metric and
// gateway the request acted on once the handler has run.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	tracer := otel.Tracer(tracerName)
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+strings.ToUpper(c.Request.Method), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName("HTTP " + strings.ToUpper(c.Request.Method) + " " + route)
		span.SetAttributes(SafeAttributes(requestAttributes(c, route, status, time.Since(start))...)...)

		lastErr := c.Errors.Last()
		if lastErr != nil && cfg.ErrorClassifier != nil {
			errType, errCode := cfg.ErrorClassifier(lastErr.Err)
			span.SetAttributes(AttrErrorType.String(errType), AttrErrorCode.String(errCode))
		}
		if status >= http.StatusInternalServerError {
			if lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request error")
		}
	}
}

func requestAttributes(c *gin.Context, route string, status int, elapsed time.Duration) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", c.Request.Method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
		attribute.Int64("http.server_duration_ms", elapsed.Milliseconds()),
	}

	customerID := strings.TrimSpace(c.Param("customer_id"))
	if customerID == "" {
		customerID = strings.TrimSpace(c.GetString(obscontext.GinCustomerKey))
	}
	if customerID != "" {
		attrs = append(attrs, AttrCustomerID.String(customerID))
	}
	if metric := strings.TrimSpace(c.GetString(obscontext.GinMetricKey)); metric != "" {
		attrs = append(attrs, AttrMetric.String(metric))
	}
	if gateway := strings.TrimSpace(c.Param("gateway")); gateway != "" {
		attrs = append(attrs, AttrGateway.String(strings.ToLower(gateway)))
	}
	if status == http.StatusTooManyRequests {
		attrs = append(attrs, AttrRateLimited.Bool(true))
	}
	return attrs
}
