package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterbill/internal/payment/domain"
	"github.com/smallbiznis/meterbill/pkg/money"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	Provider        = "stripe"
	SignatureHeader = "Stripe-Signature"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return Provider
}

// NewGateway requires an "api_key" option. "api_base" points the client at another host.
func (f *Factory) NewGateway(cfg domain.GatewayConfig) (domain.Gateway, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	apiKey := strings.TrimSpace(cfg.Options["api_key"])
	if secret == "" || apiKey == "" {
		return nil, domain.ErrInvalidConfig
	}

	backend := stripelib.GetBackend(stripelib.APIBackend)
	if base := strings.TrimSpace(cfg.Options["api_base"]); base != "" {
		backend = stripelib.GetBackendWithConfig(stripelib.APIBackend, &stripelib.BackendConfig{
			URL:               stripelib.String(base),
			MaxNetworkRetries: stripelib.Int64(0),
			LeveledLogger:     &stripelib.LeveledLogger{Level: stripelib.LevelNull},
		})
	}

	return &Gateway{
		webhookSecret: secret,
		intents:       paymentintent.Client{B: backend, Key: apiKey},
	}, nil
}

type Gateway struct {
	webhookSecret string
	intents       paymentintent.Client
}

func (g *Gateway) Name() string {
	return Provider
}

// Charge creates and confirms a PaymentIntent. Card errors are reported as a failed result;
// any other API error is returned.
func (g *Gateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" || !req.Amount.IsPositive() {
		return domain.ChargeResult{}, domain.ErrInvalidRequest
	}

	params := &stripelib.PaymentIntentParams{
		Amount:        stripelib.Int64(money.MinorUnits(req.Amount)),
		Currency:      stripelib.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		PaymentMethod: stripelib.String(req.PaymentMethodToken),
		Confirm:       stripelib.Bool(true),
		Description:   stripelib.String("Invoice " + req.InvoiceNumber),
		AutomaticPaymentMethods: &stripelib.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripelib.Bool(true),
			AllowRedirects: stripelib.String("never"),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("invoice_id", req.InvoiceID.String())
	params.AddMetadata("customer_id", req.CustomerID)

	intent, err := g.intents.New(params)
	if err != nil {
		var stripeErr *stripelib.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripelib.ErrorTypeCard {
			reference := stripeErr.RequestID
			if stripeErr.PaymentIntent != nil && stripeErr.PaymentIntent.ID != "" {
				reference = stripeErr.PaymentIntent.ID
			}
			if reference == "" {
				reference = "pi_declined_" + req.IdempotencyKey
			}
			return domain.ChargeResult{
				GatewayReference: reference,
				Status:           domain.AttemptStatusFailed,
				FailureReason:    declineReason(stripeErr),
			}, nil
		}
		return domain.ChargeResult{}, err
	}

	return domain.ChargeResult{
		GatewayReference: intent.ID,
		Status:           intentStatus(intent.Status),
		FailureReason:    intentFailureReason(intent),
	}, nil
}

func (g *Gateway) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}
	_, err := webhook.ConstructEventWithOptions(payload, sigHeader, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (g *Gateway) Parse(ctx context.Context, payload []byte) (*domain.Event, error) {
	var event stripelib.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, domain.ErrInvalidEvent
	}

	var status domain.AttemptStatus
	switch event.Type {
	case "payment_intent.succeeded":
		status = domain.AttemptStatusSucceeded
	case "payment_intent.payment_failed":
		status = domain.AttemptStatusFailed
	default:
		return nil, domain.ErrEventIgnored
	}

	var intent stripelib.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	out := &domain.Event{
		Gateway:          Provider,
		EventID:          event.ID,
		GatewayReference: intent.ID,
		Status:           status,
		OccurredAt:       timestamp(intent.Created, event.Created),
		RawPayload:       payload,
	}
	if status == domain.AttemptStatusFailed {
		out.FailureReason = intentFailureReason(&intent)
		if out.FailureReason == "" {
			out.FailureReason = "payment_failed"
		}
	}
	if raw := strings.TrimSpace(intent.Metadata["invoice_id"]); raw != "" {
		if id, err := snowflake.ParseString(raw); err == nil {
			out.InvoiceID = &id
		}
	}
	return out, nil
}

func intentStatus(status stripelib.PaymentIntentStatus) domain.AttemptStatus {
	switch status {
	case stripelib.PaymentIntentStatusSucceeded:
		return domain.AttemptStatusSucceeded
	case stripelib.PaymentIntentStatusProcessing, stripelib.PaymentIntentStatusRequiresCapture:
		return domain.AttemptStatusPending
	default:
		return domain.AttemptStatusFailed
	}
}

func intentFailureReason(intent *stripelib.PaymentIntent) string {
	if intent == nil || intentStatus(intent.Status) != domain.AttemptStatusFailed {
		return ""
	}
	if intent.LastPaymentError != nil {
		return declineReason(intent.LastPaymentError)
	}
	return string(intent.Status)
}

func declineReason(err *stripelib.Error) string {
	if err.DeclineCode != "" {
		return string(err.DeclineCode)
	}
	if err.Code != "" {
		return string(err.Code)
	}
	return "payment_failed"
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
