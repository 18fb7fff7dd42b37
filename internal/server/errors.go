package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
	billingcycledomain "github.com/smallbiznis/meterbill/internal/billingcycle/domain"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var limit *usagedomain.LimitExceededError
	if errors.As(err, &limit) {
		return http.StatusTooManyRequests, errorPayload{
			Type:    "limit_exceeded",
			Code:    usagedomain.ErrLimitExceeded.Error(),
			Message: "plan limit exceeded",
			Details: map[string]any{
				"metric":    limit.Metric,
				"current":   limit.Current,
				"requested": limit.Requested,
				"limit":     limit.Limit,
			},
		}
	}

	var invalidCode *discountdomain.InvalidCodeError
	if errors.As(err, &invalidCode) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "discount_invalid",
			Code:    string(invalidCode.Reason),
			Message: "discount code cannot be applied",
			Details: map[string]any{"code": invalidCode.Code, "reason": invalidCode.Reason},
		}
	}

	var declined *paymentdomain.FailedPaymentError
	if errors.As(err, &declined) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "payment_failed",
			Code:    declined.Reason,
			Message: "payment failed",
			Details: map[string]any{"reason": declined.Reason, "retrying": declined.Retrying},
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, subscriptiondomain.ErrSubscriptionCancelled):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Code:    codeOf(err),
			Message: "forbidden",
		}
	case errors.Is(err, usagedomain.ErrLimitExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "limit_exceeded",
			Code:    usagedomain.ErrLimitExceeded.Error(),
			Message: "plan limit exceeded",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Code:    ErrRateLimited.Error(),
			Message: "too many requests",
		}
	case errors.Is(err, plandomain.ErrInvalidPlan),
		errors.Is(err, discountdomain.ErrDiscountInvalid),
		errors.Is(err, invoicedomain.ErrNotBillable),
		errors.Is(err, billingcycledomain.ErrCycleNotClosed):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unprocessable",
			Code:    codeOf(err),
			Message: "request cannot be processed",
		}
	case errors.Is(err, paymentdomain.ErrPaymentFailed),
		errors.Is(err, paymentdomain.ErrNoPaymentMethod):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "payment_failed",
			Code:    codeOf(err),
			Message: "payment failed",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    codeOf(err),
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, usagedomain.ErrPendingQueueFull),
		errors.Is(err, usagedomain.ErrPendingUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type and code clients see.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Code
	if code == "" && len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func codeOf(err error) string {
	for _, sentinel := range knownSentinels {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return ""
}

var knownSentinels = []error{
	subscriptiondomain.ErrSubscriptionInactive,
	subscriptiondomain.ErrSubscriptionCancelled,
	subscriptiondomain.ErrAlreadySubscribed,
	subscriptiondomain.ErrInvalidTransition,
	subscriptiondomain.ErrNoChange,
	subscriptiondomain.ErrPeriodElapsed,
	subscriptiondomain.ErrConcurrentModification,
	usagedomain.ErrLimitExceeded,
	usagedomain.ErrPeriodClosed,
	usagedomain.ErrDuplicateUsage,
	usagedomain.ErrNegativeTotal,
	plandomain.ErrInvalidPlan,
	discountdomain.ErrDiscountInvalid,
	discountdomain.ErrDuplicateCode,
	invoicedomain.ErrNotBillable,
	invoicedomain.ErrInvoiceNotVoidable,
	billingcycledomain.ErrCycleNotClosed,
	paymentdomain.ErrNoPaymentMethod,
	paymentdomain.ErrPaymentFailed,
	paymentdomain.ErrInvoiceNotPayable,
	paymentdomain.ErrInvoiceAlreadyPaid,
	paymentdomain.ErrCollectionInProgress,
	ErrRateLimited,
	ErrConflict,
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, subscriptiondomain.ErrInvalidCustomer),
		errors.Is(err, subscriptiondomain.ErrInvalidTrialDays),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, plandomain.ErrInvalidBillingCycle),
		errors.Is(err, plandomain.ErrUnknownMetric),
		errors.Is(err, usagedomain.ErrInvalidCustomer),
		errors.Is(err, usagedomain.ErrInvalidMetric),
		errors.Is(err, usagedomain.ErrInvalidQuantity),
		errors.Is(err, invoicedomain.ErrInvalidRequest),
		errors.Is(err, invoicedomain.ErrInvalidInvoiceID),
		errors.Is(err, invoicedomain.ErrInvalidPageToken),
		errors.Is(err, invoicedomain.ErrUnsupportedFormat),
		errors.Is(err, discountdomain.ErrInvalidRequest),
		errors.Is(err, alertdomain.ErrInvalidRequest),
		errors.Is(err, alertdomain.ErrInvalidAlertID),
		errors.Is(err, alertdomain.ErrInvalidPageToken),
		errors.Is(err, paymentdomain.ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, analyticsdomain.ErrInvalidDays),
		errors.Is(err, analyticsdomain.ErrInvalidWindow):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, subscriptiondomain.ErrSubscriptionInactive),
		errors.Is(err, subscriptiondomain.ErrAlreadySubscribed),
		errors.Is(err, subscriptiondomain.ErrInvalidTransition),
		errors.Is(err, subscriptiondomain.ErrNoChange),
		errors.Is(err, subscriptiondomain.ErrPeriodElapsed),
		errors.Is(err, subscriptiondomain.ErrConcurrentModification),
		errors.Is(err, usagedomain.ErrPeriodClosed),
		errors.Is(err, usagedomain.ErrDuplicateUsage),
		errors.Is(err, usagedomain.ErrNegativeTotal),
		errors.Is(err, discountdomain.ErrDuplicateCode),
		errors.Is(err, invoicedomain.ErrInvoiceNotVoidable),
		errors.Is(err, paymentdomain.ErrInvoiceNotPayable),
		errors.Is(err, paymentdomain.ErrInvoiceAlreadyPaid),
		errors.Is(err, paymentdomain.ErrCollectionInProgress),
		errors.Is(err, gorm.ErrDuplicatedKey):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, alertdomain.ErrAlertNotFound),
		errors.Is(err, billingcycledomain.ErrCycleNotFound),
		errors.Is(err, paymentdomain.ErrPaymentMethodNotFound),
		errors.Is(err, paymentdomain.ErrGatewayNotFound),
		errors.Is(err, paymentdomain.ErrUnknownReference),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, invoicedomain.ErrInvalidRequest),
		errors.Is(err, discountdomain.ErrInvalidRequest),
		errors.Is(err, alertdomain.ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidRequest):
		return "invalid_request"
	default:
		return rootMessage(err)
	}
}

// rootMessage drops the "context: " prefixes added by wrapping.
func rootMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
