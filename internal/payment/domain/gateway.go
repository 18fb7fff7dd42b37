package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type ChargeRequest struct {
	InvoiceID          snowflake.ID
	InvoiceNumber      string
	CustomerID         string
	Amount             decimal.Decimal
	Currency           string
	PaymentMethodToken string
	// IdempotencyKey is stable per (invoice, attempt) so a retried call is not charged twice.
	IdempotencyKey string
}

// ChargeResult is the gateway's synchronous answer. Pending charges settle by webhook.
type ChargeResult struct {
	GatewayReference string
	Status           AttemptStatus
	FailureReason    string
}

func (r ChargeResult) Success() bool {
	return r.Status == AttemptStatusSucceeded
}

// Gateway is the payment processor collaborator.
type Gateway interface {
	Name() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	// Verify checks the webhook signature.
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

type GatewayConfig struct {
	Name          string
	WebhookSecret string
	Options       map[string]string
}

type GatewayFactory interface {
	Provider() string
	NewGateway(cfg GatewayConfig) (Gateway, error)
}
