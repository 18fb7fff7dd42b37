package sandbox

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterbill/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T, outcome string) domain.Gateway {
	t.Helper()
	gw, err := NewFactory().NewGateway(domain.GatewayConfig{
		Name:          Provider,
		WebhookSecret: "whsec_sandbox",
		Options:       map[string]string{"outcome": outcome},
	})
	require.NoError(t, err)
	return gw
}

func chargeRequest(token string) domain.ChargeRequest {
	return domain.ChargeRequest{
		InvoiceNumber:      "INV-1",
		CustomerID:         "cus_1",
		Amount:             decimal.RequireFromString("12.50"),
		Currency:           "USD",
		PaymentMethodToken: token,
		IdempotencyKey:     "inv_1_1",
	}
}

func TestFactoryValidatesConfig(t *testing.T) {
	_, err := NewFactory().NewGateway(domain.GatewayConfig{Name: Provider})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewFactory().NewGateway(domain.GatewayConfig{
		Name:          Provider,
		WebhookSecret: "s",
		Options:       map[string]string{"outcome": "explode"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestChargeOutcomeByToken(t *testing.T) {
	gw := newGateway(t, "")
	ctx := context.Background()

	res, err := gw.Charge(ctx, chargeRequest("tok_visa"))
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "sbx_inv_1_1", res.GatewayReference)

	res, err = gw.Charge(ctx, chargeRequest("tok_fail_insufficient"))
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusFailed, res.Status)
	assert.Equal(t, DeclineReason, res.FailureReason)

	res, err = gw.Charge(ctx, chargeRequest("tok_pending"))
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusPending, res.Status)

	req := chargeRequest("tok_visa")
	req.Amount = decimal.Zero
	_, err = gw.Charge(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestConfiguredOutcomeOverridesToken(t *testing.T) {
	gw := newGateway(t, OutcomeFail)
	res, err := gw.Charge(context.Background(), chargeRequest("tok_visa"))
	require.NoError(t, err)
	assert.False(t, res.Success())
}

func TestWebhookVerifyAndParse(t *testing.T) {
	gw := newGateway(t, "")
	ctx := context.Background()
	payload, header, err := SignedEvent("whsec_sandbox", WebhookEvent{
		ID:         "evt_1",
		Reference:  "sbx_inv_1_1",
		Status:     "failed",
		InvoiceID:  "1234",
		OccurredAt: time.Now(),
	}, time.Now())
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set(SignatureHeader, header)
	require.NoError(t, gw.Verify(ctx, payload, headers))

	headers.Set(SignatureHeader, "t=1,v1=00")
	assert.ErrorIs(t, gw.Verify(ctx, payload, headers), domain.ErrInvalidSignature)

	event, err := gw.Parse(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusFailed, event.Status)
	assert.Equal(t, DeclineReason, event.FailureReason)
	require.NotNil(t, event.InvoiceID)
	assert.Equal(t, int64(1234), event.InvoiceID.Int64())
}

func TestParseRejectsUnusableEvents(t *testing.T) {
	gw := newGateway(t, "")
	ctx := context.Background()

	_, err := gw.Parse(ctx, []byte("not json"))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = gw.Parse(ctx, []byte(`{"id":"evt_1"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = gw.Parse(ctx, []byte(`{"id":"evt_1","reference":"sbx_1","status":"refunded"}`))
	assert.ErrorIs(t, err, domain.ErrEventIgnored)
}
