package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterbill/pkg/db/pagination"
)

var (
	ErrAlertNotFound    = errors.New("alert_not_found")
	ErrInvalidAlertID   = errors.New("invalid_alert_id")
	ErrInvalidRequest   = errors.New("invalid_alert_request")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)

type ListAlertRequest struct {
	pagination.Pagination
	CustomerID string `form:"-"`
	UnreadOnly bool   `form:"unread"`
}

type ListAlertResponse struct {
	pagination.PageInfo
	Alerts []BillingAlert `json:"alerts"`
}

type PreferenceRequest struct {
	CustomerID      string           `json:"-"`
	EstimateCeiling *decimal.Decimal `json:"estimate_ceiling"`
	TrialNoticeDays *int             `json:"trial_notice_days" validate:"omitempty,gte=0,lte=90"`
}

// PaymentFailure describes a rejected charge against an invoice.
type PaymentFailure struct {
	CustomerID     string
	SubscriptionID snowflake.ID
	InvoiceID      snowflake.ID
	InvoiceNumber  string
	PeriodStart    time.Time
	Amount         decimal.Decimal
	Currency       string
	Reason         string
	Attempt        int
	// Final is set once no retries remain.
	Final bool
}

type Service interface {
	List(ctx context.Context, req ListAlertRequest) (ListAlertResponse, error)
	MarkRead(ctx context.Context, id string) (BillingAlert, error)

	GetPreference(ctx context.Context, customerID string) (AlertPreference, error)
	SetPreference(ctx context.Context, req PreferenceRequest) (AlertPreference, error)

	PaymentFailed(ctx context.Context, failure PaymentFailure) (BillingAlert, error)
	// SweepTrialsEnding raises a trial_ending alert for every trial that ends within its
	// customer's notice window.
	SweepTrialsEnding(ctx context.Context) (int, error)
	PurgeExpired(ctx context.Context) (int64, error)
}
