package server

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/meterbill/internal/observability/context"
	obsmetrics "github.com/smallbiznis/meterbill/internal/observability/metrics"
)

const (
	contextMetricKey   = obscontext.GinMetricKey
	contextCustomerKey = obscontext.GinCustomerKey
)

// HTTPMetrics records latency per route template so raw ids never become label values.
func HTTPMetrics(m *obsmetrics.HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		m.Observe(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

func customerParam(c *gin.Context) (string, bool) {
	customerID := strings.TrimSpace(c.Param("customer_id"))
	if customerID == "" {
		AbortWithError(c, newValidationError("customer_id", "invalid_customer_id", "invalid customer_id"))
		return "", false
	}
	return customerID, true
}
