package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
)

type validateDiscountRequest struct {
	Code       string `json:"code" validate:"required"`
	CustomerID string `json:"customer_id" validate:"required"`
	// PlanCode defaults to the customer's current plan.
	PlanCode string `json:"plan_code"`
}

func (s *Server) ListDiscounts(c *gin.Context) {
	codes, err := s.discountSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": codes})
}

func (s *Server) CreateDiscount(c *gin.Context) {
	var req discountdomain.CreateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	req.Code = strings.TrimSpace(req.Code)

	code, err := s.discountSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": code})
}

func (s *Server) DeactivateDiscount(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	if err := s.discountSvc.Deactivate(c.Request.Context(), code); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ValidateDiscount reports whether a code could be applied. An ineligible code is a 422 with
// the reason in error.code.
func (s *Server) ValidateDiscount(c *gin.Context) {
	var req validateDiscountRequest
	if !s.bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	customerID := strings.TrimSpace(req.CustomerID)

	plan, err := s.discountPlan(c, customerID, strings.TrimSpace(req.PlanCode))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	code := strings.TrimSpace(req.Code)
	result, err := s.discountSvc.Validate(ctx, discountdomain.ValidateRequest{
		Code:       code,
		CustomerID: customerID,
		Plan:       plan,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := result.Err(code); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) discountPlan(c *gin.Context, customerID, planCode string) (plandomain.Plan, error) {
	if planCode != "" {
		return s.catalog.Get(planCode)
	}
	sub, err := s.subscriptionSvc.GetActiveByCustomerID(c.Request.Context(), customerID)
	if err != nil {
		return plandomain.Plan{}, err
	}
	return s.catalog.GetVersion(sub.PlanCode, sub.PlanVersion)
}
