// Package sandbox is an in-process gateway for development and tests. Charges settle
// immediately according to the configured outcome or the payment method token prefix.
package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/payment/domain"
	"github.com/smallbiznis/meterbill/internal/payment/signature"
)

const (
	Provider        = "sandbox"
	SignatureHeader = "Sandbox-Signature"

	OutcomeSucceed = "succeed"
	OutcomeFail    = "fail"
	OutcomePending = "pending"

	// DeclineReason is reported for every failed sandbox charge.
	DeclineReason = "card_declined"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

func (f *Factory) NewGateway(cfg domain.GatewayConfig) (domain.Gateway, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}
	outcome := strings.ToLower(strings.TrimSpace(cfg.Options["outcome"]))
	switch outcome {
	case "", OutcomeSucceed, OutcomeFail, OutcomePending:
	default:
		return nil, domain.ErrInvalidConfig
	}
	return &Gateway{secret: secret, outcome: outcome, now: time.Now}, nil
}

type Gateway struct {
	secret  string
	outcome string
	now     func() time.Time
}

func (g *Gateway) Name() string {
	return Provider
}

// Charge derives the outcome from the token prefix ("tok_fail", "tok_pending") unless the
// gateway was configured with a fixed outcome.
func (g *Gateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChargeResult{}, err
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" || !req.Amount.IsPositive() {
		return domain.ChargeResult{}, domain.ErrInvalidRequest
	}

	result := domain.ChargeResult{GatewayReference: "sbx_" + req.IdempotencyKey}
	switch g.outcomeFor(req.PaymentMethodToken) {
	case OutcomeFail:
		result.Status = domain.AttemptStatusFailed
		result.FailureReason = DeclineReason
	case OutcomePending:
		result.Status = domain.AttemptStatusPending
	default:
		result.Status = domain.AttemptStatusSucceeded
	}
	return result, nil
}

func (g *Gateway) outcomeFor(token string) string {
	if g.outcome != "" {
		return g.outcome
	}
	token = strings.ToLower(strings.TrimSpace(token))
	switch {
	case strings.HasPrefix(token, "tok_fail"):
		return OutcomeFail
	case strings.HasPrefix(token, "tok_pending"):
		return OutcomePending
	default:
		return OutcomeSucceed
	}
}

func (g *Gateway) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	err := signature.Verify(g.secret, payload, headers.Get(SignatureHeader), g.now(), signature.DefaultTolerance)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	return nil
}

// WebhookEvent is the sandbox callback body.
type WebhookEvent struct {
	ID            string    `json:"id"`
	Reference     string    `json:"reference"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	InvoiceID     string    `json:"invoice_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (g *Gateway) Parse(ctx context.Context, payload []byte) (*domain.Event, error) {
	var body WebhookEvent
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(body.ID) == "" || strings.TrimSpace(body.Reference) == "" {
		return nil, domain.ErrInvalidEvent
	}

	event := &domain.Event{
		Gateway:          Provider,
		EventID:          body.ID,
		GatewayReference: body.Reference,
		FailureReason:    strings.TrimSpace(body.FailureReason),
		OccurredAt:       body.OccurredAt.UTC(),
		RawPayload:       payload,
	}
	switch domain.AttemptStatus(strings.ToLower(strings.TrimSpace(body.Status))) {
	case domain.AttemptStatusSucceeded:
		event.Status = domain.AttemptStatusSucceeded
	case domain.AttemptStatusFailed:
		event.Status = domain.AttemptStatusFailed
		if event.FailureReason == "" {
			event.FailureReason = DeclineReason
		}
	default:
		return nil, domain.ErrEventIgnored
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = g.now().UTC()
	}
	if raw := strings.TrimSpace(body.InvoiceID); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil {
			return nil, domain.ErrInvalidEvent
		}
		event.InvoiceID = &id
	}
	return event, nil
}

// SignedEvent encodes event and returns the body with its signature header value.
func SignedEvent(secret string, event WebhookEvent, at time.Time) ([]byte, string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, "", err
	}
	return payload, signature.Sign(secret, payload, at), nil
}
