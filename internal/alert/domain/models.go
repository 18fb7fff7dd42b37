package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type AlertType string

const (
	AlertTypeUsageThreshold  AlertType = "usage_threshold"
	AlertTypeEstimateCeiling AlertType = "estimate_ceiling"
	AlertTypeTrialEnding     AlertType = "trial_ending"
	AlertTypePaymentFailed   AlertType = "payment_failed"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityNormal   Severity = "normal"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// BillingAlert is one notification per (customer, type, subject, period). Re-triggering the
// same condition bumps TriggerCount and LastTriggeredAt on the existing row.
type BillingAlert struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id,string"`
	CustomerID     string       `gorm:"type:text;not null;uniqueIndex:ux_billing_alert_key,priority:1;index:ix_billing_alert_unread,priority:1" json:"customer_id"`
	SubscriptionID snowflake.ID `gorm:"not null" json:"subscription_id,string"`
	Type           AlertType    `gorm:"type:text;not null;uniqueIndex:ux_billing_alert_key,priority:2" json:"type"`
	// Subject narrows the type: the metric for usage alerts, the invoice for payment failures.
	Subject             string          `gorm:"type:text;not null;default:'';uniqueIndex:ux_billing_alert_key,priority:3" json:"subject"`
	PeriodStart         time.Time       `gorm:"not null;uniqueIndex:ux_billing_alert_key,priority:4" json:"period_start"`
	Severity            Severity        `gorm:"type:text;not null;default:'normal'" json:"severity"`
	Title               string          `gorm:"type:text;not null" json:"title"`
	Message             string          `gorm:"type:text;not null" json:"message"`
	ThresholdPercentage decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"threshold_percentage"`
	CurrentValue        decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"current_value"`
	LimitValue          decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"limit_value"`
	Read                bool            `gorm:"not null;default:false;index:ix_billing_alert_unread,priority:2" json:"read"`
	ActionRequired      bool            `gorm:"not null;default:false" json:"action_required"`
	TriggerCount        int             `gorm:"not null;default:1" json:"trigger_count"`
	LastTriggeredAt     time.Time       `gorm:"not null" json:"last_triggered_at"`
	ExpiresAt           *time.Time      `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt           time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (BillingAlert) TableName() string { return "billing_alerts" }

func (a BillingAlert) Expired(at time.Time) bool {
	return a.ExpiresAt != nil && !at.Before(*a.ExpiresAt)
}

// DedupeKey identifies the condition an alert reports on.
func (a BillingAlert) DedupeKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", a.CustomerID, a.Type, a.Subject, a.PeriodStart.Unix())
}

// AlertPreference holds per-customer alert settings. Nil fields fall back to the policy.
type AlertPreference struct {
	CustomerID      string           `gorm:"primaryKey;type:text" json:"customer_id"`
	EstimateCeiling *decimal.Decimal `gorm:"type:numeric(20,6)" json:"estimate_ceiling,omitempty"`
	TrialNoticeDays *int             `json:"trial_notice_days,omitempty"`
	CreatedAt       time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (AlertPreference) TableName() string { return "alert_preferences" }
