package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterbill/internal/observability/logger"
	"github.com/smallbiznis/meterbill/internal/ratelimit"
	"go.uber.org/zap"
)

const rateLimitReasonCustomerRate = "customer-rate"

type usageIngestRateLimitKey struct {
	CustomerID string `json:"customer_id"`
	Metric     string `json:"metric"`
}

// UsageIngestRateLimit throttles ingestion per customer. Requests without a customer pass
// through so the handler can reject them with a proper validation error.
func (s *Server) UsageIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.usageLimiter == nil || !s.usageLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		customerID, err := readUsageIngestKey(c)
		if err != nil {
			logger.FromContext(ctx).Warn("usage ingest rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if customerID == "" {
			c.Next()
			return
		}

		result, err := s.usageLimiter.AllowCustomer(ctx, customerID)
		if err != nil {
			logger.FromContext(ctx).Warn("usage ingest rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		setRateLimitHeaders(c, result)
		if !result.Allowed {
			s.denyUsageIngestRateLimit(c, result)
			return
		}

		c.Next()
	}
}

func (s *Server) denyUsageIngestRateLimit(c *gin.Context, result *ratelimit.RateLimitResult) {
	ctx := c.Request.Context()
	endpoint := normalizeRateLimitEndpoint(c)
	logger.FromContext(ctx).Warn("usage ingest rate limit exceeded",
		zap.String("reason", rateLimitReasonCustomerRate),
		zap.String("endpoint", endpoint),
	)
	s.obsMetrics.RecordRateLimited(ctx, endpoint, rateLimitReasonCustomerRate)

	retryAfter := 1
	if result != nil && result.RetryAfter > 0 {
		retryAfter = int(math.Ceil(result.RetryAfter.Seconds()))
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonCustomerRate)
	AbortWithError(c, ErrRateLimited)
}

func setRateLimitHeaders(c *gin.Context, result *ratelimit.RateLimitResult) {
	if result == nil || result.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	if !result.ResetTime.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
	}
}

// readUsageIngestKey peeks at the body and puts it back for the handler.
func readUsageIngestKey(c *gin.Context) (string, error) {
	if c.Request.Body == nil {
		return "", nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload usageIngestRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	if metric := strings.TrimSpace(payload.Metric); metric != "" {
		c.Set(contextMetricKey, metric)
	}

	customerID := strings.TrimSpace(payload.CustomerID)
	if customerID != "" {
		c.Set(contextCustomerKey, customerID)
	}
	return customerID, nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
