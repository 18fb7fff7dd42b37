package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
)

func (s *Server) RecordUsage(c *gin.Context) {
	var req usagedomain.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Metric = plandomain.Metric(strings.TrimSpace(string(req.Metric)))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}
	c.Set(contextMetricKey, string(req.Metric))
	c.Set(contextCustomerKey, req.CustomerID)

	counter, err := s.usageSvc.RecordUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": counter})
}

func (s *Server) CheckUsageLimit(c *gin.Context) {
	var req usagedomain.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	c.Set(contextMetricKey, string(req.Metric))
	c.Set(contextCustomerKey, req.CustomerID)

	check, err := s.usageSvc.CheckLimit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// a denied check is an answer, not an error
	c.JSON(http.StatusOK, gin.H{"data": check})
}

func (s *Server) GetUsageSummary(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	summary, err := s.usageSvc.Summary(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) GetEstimate(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	estimate, err := s.ratingSvc.Estimate(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": estimate})
}
