package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	"github.com/smallbiznis/meterbill/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	"go.uber.org/zap"
)

type changePlanRequest struct {
	PlanCode     string `json:"plan_code" validate:"required"`
	BillingCycle string `json:"billing_cycle" validate:"omitempty,oneof=monthly yearly"`
}

type cancelSubscriptionRequest struct {
	EndOfPeriod bool `json:"end_of_period"`
}

type attachDiscountRequest struct {
	Code string `json:"code" validate:"required"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var req subscriptiondomain.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptiondomain.CreateSubscriptionRequest{
		CustomerID:         strings.TrimSpace(req.CustomerID),
		PlanCode:           strings.TrimSpace(req.PlanCode),
		BillingCycle:       strings.TrimSpace(req.BillingCycle),
		TrialDays:          req.TrialDays,
		TaxJurisdiction:    strings.TrimSpace(req.TaxJurisdiction),
		DiscountCode:       strings.TrimSpace(req.DiscountCode),
		PaymentMethodToken: strings.TrimSpace(req.PaymentMethodToken),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetSubscriptionByID(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	item, err := s.subscriptionSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) GetCustomerSubscription(c *gin.Context) {
	customerID, ok := customerParam(c)
	if !ok {
		return
	}

	item, err := s.subscriptionSvc.GetActiveByCustomerID(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ListSubscriptionChanges(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	changes, err := s.subscriptionSvc.ListChanges(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": changes})
}

func (s *Server) ChangeSubscriptionPlan(c *gin.Context) {
	var req changePlanRequest
	if !s.bindJSON(c, &req) {
		return
	}

	result, err := s.subscriptionSvc.ChangePlan(c.Request.Context(), subscriptiondomain.ChangePlanRequest{
		SubscriptionID: strings.TrimSpace(c.Param("id")),
		PlanCode:       strings.TrimSpace(req.PlanCode),
		BillingCycle:   strings.TrimSpace(req.BillingCycle),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{
		"subscription": result.Subscription,
		"change":       result.Change,
	}
	if invoice := s.invoiceClosedCycle(c, result.ClosedCycle); invoice != nil {
		resp["invoice"] = invoice
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req cancelSubscriptionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	result, err := s.subscriptionSvc.Cancel(c.Request.Context(), subscriptiondomain.CancelRequest{
		SubscriptionID: strings.TrimSpace(c.Param("id")),
		EndOfPeriod:    req.EndOfPeriod,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{"subscription": result.Subscription}
	if result.Change != nil {
		resp["change"] = result.Change
	}
	if invoice := s.invoiceClosedCycle(c, result.ClosedCycle); invoice != nil {
		resp["invoice"] = invoice
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) AttachSubscriptionDiscount(c *gin.Context) {
	var req attachDiscountRequest
	if !s.bindJSON(c, &req) {
		return
	}

	item, err := s.subscriptionSvc.AttachDiscount(c.Request.Context(), strings.TrimSpace(c.Param("id")), strings.TrimSpace(req.Code))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

// invoiceClosedCycle bills a period ended early by a plan change or cancellation. Failures
// are left to the invoice sweep.
func (s *Server) invoiceClosedCycle(c *gin.Context, cycle *billingcycledomain.BillingCycle) *invoicedomain.Invoice {
	if cycle == nil || s.invoiceSvc == nil {
		return nil
	}
	ctx := c.Request.Context()

	invoice, err := s.invoiceSvc.Issue(ctx, invoicedomain.IssueRequest{
		SubscriptionID: cycle.SubscriptionID.String(),
		PeriodStart:    cycle.PeriodStart,
	})
	if err != nil {
		var dup *invoicedomain.DuplicateInvoiceError
		if errors.As(err, &dup) {
			return &dup.Invoice
		}
		logger.FromContext(ctx).Warn("closed cycle invoice deferred to sweep",
			zap.String("subscription_id", cycle.SubscriptionID.String()),
			zap.Time("period_start", cycle.PeriodStart),
			zap.Error(err),
		)
		return nil
	}
	return &invoice
}
