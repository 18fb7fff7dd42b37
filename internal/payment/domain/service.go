package domain

import (
	"context"
	"errors"
	"net/http"

	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
)

var (
	ErrPaymentFailed         = errors.New("payment_failed")
	ErrInvoiceNotPayable     = errors.New("invoice_not_payable")
	ErrInvoiceAlreadyPaid    = errors.New("invoice_already_paid")
	ErrNoPaymentMethod       = errors.New("no_payment_method")
	ErrPaymentMethodNotFound = errors.New("payment_method_not_found")
	ErrCollectionInProgress  = errors.New("collection_in_progress")
	ErrUnknownReference      = errors.New("unknown_gateway_reference")
	ErrInvalidRequest        = errors.New("invalid_payment_request")

	ErrGatewayNotFound  = errors.New("gateway_not_found")
	ErrInvalidConfig    = errors.New("invalid_gateway_config")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrEventIgnored     = errors.New("event_ignored")
)

// FailedPaymentError carries the gateway's decline reason and matches ErrPaymentFailed.
type FailedPaymentError struct {
	Reason string
	// Retrying is set when dunning will try again.
	Retrying bool
}

func (e *FailedPaymentError) Error() string {
	return "payment failed: " + e.Reason
}

func (e *FailedPaymentError) Is(target error) bool {
	return target == ErrPaymentFailed
}

type AddMethodRequest struct {
	CustomerID  string `json:"-"`
	Token       string `json:"token" validate:"required"`
	Brand       string `json:"brand"`
	Last4       string `json:"last4" validate:"omitempty,len=4,numeric"`
	MakeDefault bool   `json:"make_default"`
}

type CollectResult struct {
	Invoice invoicedomain.Invoice `json:"invoice"`
	Attempt PaymentAttempt        `json:"attempt"`
}

type WebhookResult struct {
	Duplicate bool           `json:"duplicate"`
	Attempt   *PaymentAttempt `json:"attempt,omitempty"`
}

type Service interface {
	// Collect charges the customer's default payment method for an issued or failed invoice.
	Collect(ctx context.Context, invoiceID string) (CollectResult, error)
	// HandleWebhook verifies and applies a gateway callback. Redelivery of a reference is a no-op.
	HandleWebhook(ctx context.Context, gateway string, payload []byte, headers http.Header) (WebhookResult, error)
	// RetryDue re-collects failed invoices whose retry time has come.
	RetryDue(ctx context.Context, limit int) (int, error)
	ListAttempts(ctx context.Context, invoiceID string) ([]PaymentAttempt, error)

	AddMethod(ctx context.Context, req AddMethodRequest) (PaymentMethod, error)
	ListMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	RemoveMethod(ctx context.Context, customerID, id string) error
	SetDefaultMethod(ctx context.Context, customerID, id string) (PaymentMethod, error)
}
