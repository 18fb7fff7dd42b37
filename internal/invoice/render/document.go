// Package render turns a frozen invoice into printable documents.
package render

import (
	"time"

	"github.com/shopspring/decimal"
)

// Renderer produces the customer-facing copies of an invoice.
type Renderer interface {
	RenderHTML(Document) (string, error)
	RenderPDF(Document) ([]byte, error)
}

// Document is the view of one invoice handed to a renderer.
type Document struct {
	Seller   SellerView
	Invoice  InvoiceView
	Customer CustomerView
	Lines    []LineView
}

type SellerView struct {
	CompanyName  string
	LogoURL      string
	PrimaryColor string
	FooterNotes  string
}

type InvoiceView struct {
	ID           string
	Number       string
	Status       string
	Revision     int
	Supersedes   string
	IssuedAt     time.Time
	DueAt        time.Time
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Currency     string
	PlanName     string
	DiscountCode string
	Subtotal     decimal.Decimal
	Discount     decimal.Decimal
	TaxRate      decimal.Decimal
	Tax          decimal.Decimal
	Total        decimal.Decimal
}

type CustomerView struct {
	ID string
}

type LineView struct {
	Title     string
	SubTitle  string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Amount    decimal.Decimal
}
