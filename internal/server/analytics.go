package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
)

func (s *Server) GetUsageAnalytics(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	var days int
	if raw := strings.TrimSpace(c.Query("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, newValidationError("days", "invalid_days", "days must be an integer"))
			return
		}
		days = n
	}

	out, err := s.analyticsSvc.Usage(c.Request.Context(), customerID, days)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) GetRevenueAnalytics(c *gin.Context) {
	from, ok := timeQuery(c, "from")
	if !ok {
		return
	}
	to, ok := timeQuery(c, "to")
	if !ok {
		return
	}

	out, err := s.analyticsSvc.Revenue(c.Request.Context(), analyticsdomain.RevenueRequest{
		CustomerID: strings.TrimSpace(c.Query("customer_id")),
		From:       from,
		To:         to,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (s *Server) GetSubscriptionMetrics(c *gin.Context) {
	out, err := s.analyticsSvc.Subscriptions(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": out})
}

// timeQuery reads an optional RFC 3339 timestamp or calendar date (UTC midnight).
func timeQuery(c *gin.Context, name string) (time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, true
	}
	AbortWithError(c, newValidationError(name, "invalid_"+name, name+" must be RFC 3339 or YYYY-MM-DD"))
	return time.Time{}, false
}
