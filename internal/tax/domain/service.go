// Package domain defines how invoices obtain a tax rate for a jurisdiction.
package domain

import "github.com/shopspring/decimal"

// TaxMode represents how tax is applied to the invoice total.
type TaxMode string

const (
	TaxModeExclusive TaxMode = "exclusive" // subtotal + tax
	TaxModeInclusive TaxMode = "inclusive" // total already includes tax
)

// Rate is the tax applicable to one jurisdiction.
type Rate struct {
	Jurisdiction string          `json:"jurisdiction"`
	Rate         decimal.Decimal `json:"rate"` // fraction, e.g. 0.11 for 11%
	Mode         TaxMode         `json:"mode"`
}

// TaxResolver returns the rate for an invoice's jurisdiction. Rates are supplied by
// configuration; an unknown jurisdiction falls back to the default rate.
type TaxResolver interface {
	Resolve(jurisdiction string) Rate
}
