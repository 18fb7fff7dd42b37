package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
)

func (s AttemptStatus) Final() bool {
	return s == AttemptStatusSucceeded || s == AttemptStatusFailed
}

// PaymentMethod is a gateway token stored for a customer.
type PaymentMethod struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id,string"`
	CustomerID string       `gorm:"type:text;not null;index" json:"customer_id"`
	Gateway    string       `gorm:"type:text;not null" json:"gateway"`
	Token      string       `gorm:"type:text;not null" json:"-"`
	Brand      string       `gorm:"type:text;not null;default:''" json:"brand"`
	Last4      string       `gorm:"type:text;not null;default:''" json:"last4"`
	IsDefault  bool         `gorm:"not null;default:false" json:"is_default"`
	CreatedAt  time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (PaymentMethod) TableName() string { return "payment_methods" }

// PaymentAttempt is one charge submitted to a gateway for an invoice.
type PaymentAttempt struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id,string"`
	InvoiceID        snowflake.ID    `gorm:"not null;index" json:"invoice_id,string"`
	SubscriptionID   snowflake.ID    `gorm:"not null" json:"subscription_id,string"`
	CustomerID       string          `gorm:"type:text;not null;index" json:"customer_id"`
	Gateway          string          `gorm:"type:text;not null" json:"gateway"`
	GatewayReference string          `gorm:"type:text;not null;uniqueIndex" json:"gateway_reference"`
	Amount           decimal.Decimal `gorm:"type:numeric(20,6);not null" json:"amount"`
	Currency         string          `gorm:"type:text;not null" json:"currency"`
	Status           AttemptStatus   `gorm:"type:text;not null" json:"status"`
	FailureReason    *string         `gorm:"type:text" json:"failure_reason,omitempty"`
	AttemptNumber    int             `gorm:"not null" json:"attempt_number"`
	CreatedAt        time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (PaymentAttempt) TableName() string { return "payment_attempts" }

// EventRecord logs every verified webhook delivery. One row per gateway reference.
type EventRecord struct {
	ID               snowflake.ID   `gorm:"primaryKey" json:"id,string"`
	Gateway          string         `gorm:"type:text;not null;uniqueIndex:ux_payment_event_reference,priority:1" json:"gateway"`
	GatewayReference string         `gorm:"type:text;not null;uniqueIndex:ux_payment_event_reference,priority:2" json:"gateway_reference"`
	Status           AttemptStatus  `gorm:"type:text;not null" json:"status"`
	FailureReason    *string        `gorm:"type:text" json:"failure_reason,omitempty"`
	Payload          datatypes.JSON `gorm:"not null" json:"payload"`
	ReceivedAt       time.Time      `gorm:"not null" json:"received_at"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "payment_events" }

// Event is the canonical webhook result parsed by a gateway adapter.
type Event struct {
	Gateway          string
	EventID          string
	GatewayReference string
	Status           AttemptStatus
	FailureReason    string
	// InvoiceID comes from charge metadata and lets an unknown reference be attributed.
	InvoiceID  *snowflake.ID
	OccurredAt time.Time
	RawPayload []byte
}
