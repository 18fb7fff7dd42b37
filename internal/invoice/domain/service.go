package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/meterbill/pkg/db/pagination"
)

type IssueRequest struct {
	SubscriptionID string    `json:"subscription_id" validate:"required"`
	PeriodStart    time.Time `json:"period_start" validate:"required"`
}

type SupersedeRequest struct {
	InvoiceID string `json:"invoice_id" validate:"required"`
	Reason    string `json:"reason" validate:"required"`
}

type ListInvoiceRequest struct {
	pagination.Pagination
	CustomerID string `json:"customer_id"`
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type RenderFormat string

const (
	RenderFormatHTML RenderFormat = "html"
	RenderFormatPDF  RenderFormat = "pdf"
)

// Rendered is a printable invoice document.
type Rendered struct {
	ContentType string
	Filename    string
	Body        []byte
}

type Service interface {
	// Issue freezes the closed period starting at PeriodStart into an invoice. Issuing the
	// same period again returns the existing invoice wrapped in a *DuplicateInvoiceError.
	Issue(context.Context, IssueRequest) (Invoice, error)
	// Supersede voids an unpaid invoice and issues the next revision of its period.
	Supersede(context.Context, SupersedeRequest) (Invoice, error)
	GetByID(ctx context.Context, id string) (Invoice, error)
	List(context.Context, ListInvoiceRequest) (ListInvoiceResponse, error)
	ListBySubscription(ctx context.Context, subscriptionID string) ([]Invoice, error)
	Render(ctx context.Context, id string, format RenderFormat) (Rendered, error)
}

var (
	ErrDuplicateInvoice    = errors.New("duplicate_invoice")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrInvalidInvoiceID    = errors.New("invalid_invoice_id")
	ErrInvalidRequest      = errors.New("invalid_invoice_request")
	ErrNotBillable         = errors.New("period_not_billable")
	ErrInvoiceNotVoidable  = errors.New("invoice_not_voidable")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrUnsupportedFormat   = errors.New("unsupported_render_format")
	ErrInvoiceRenderFailed = errors.New("invoice_render_failed")
)

// DuplicateInvoiceError carries the invoice that already covers the requested period.
type DuplicateInvoiceError struct {
	Invoice Invoice
}

func (e *DuplicateInvoiceError) Error() string {
	return fmt.Sprintf("invoice %s already issued for subscription %s period %s",
		e.Invoice.Number, e.Invoice.SubscriptionID, e.Invoice.PeriodStart.Format(time.RFC3339))
}

func (e *DuplicateInvoiceError) Is(target error) bool {
	return target == ErrDuplicateInvoice
}
