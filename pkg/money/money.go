// Package money holds the decimal helpers shared by pricing, proration and invoicing.
//
// Amounts are kept as exact decimals end to end; rounding to minor units happens once per
// line item via Round.
package money

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept on persisted amounts.
const Scale = 2

var hundred = decimal.NewFromInt(100)

// Round rounds an amount to minor units (half away from zero).
func Round(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(Scale)
}

// FloorZero clamps negative amounts to zero.
func FloorZero(amount decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// Percent returns amount * pct / 100.
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Div(hundred)
}

// Fraction returns part/whole computed on whole seconds. It is clamped to [0, 1].
func Fraction(part, whole time.Duration) decimal.Decimal {
	wholeSeconds := int64(whole / time.Second)
	if wholeSeconds <= 0 {
		return decimal.Zero
	}
	partSeconds := int64(part / time.Second)
	if partSeconds <= 0 {
		return decimal.Zero
	}
	if partSeconds >= wholeSeconds {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(partSeconds).Div(decimal.NewFromInt(wholeSeconds))
}

// Prorate scales price linearly by remaining/period. The multiplication happens before the
// division so exact halves stay exact.
func Prorate(price decimal.Decimal, remaining, period time.Duration) decimal.Decimal {
	periodSeconds := int64(period / time.Second)
	if periodSeconds <= 0 {
		return decimal.Zero
	}
	remainingSeconds := int64(remaining / time.Second)
	if remainingSeconds <= 0 {
		return decimal.Zero
	}
	if remainingSeconds >= periodSeconds {
		return price
	}
	return price.Mul(decimal.NewFromInt(remainingSeconds)).Div(decimal.NewFromInt(periodSeconds))
}

// Format renders an amount with its currency code, e.g. "USD 1,200.00".
func Format(amount decimal.Decimal, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	fixed := Round(amount).StringFixed(Scale)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign = "-"
		fixed = fixed[1:]
	}
	intPart, frac, _ := strings.Cut(fixed, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if currency == "" {
		return fmt.Sprintf("%s%s.%s", sign, b.String(), frac)
	}
	return fmt.Sprintf("%s %s%s.%s", currency, sign, b.String(), frac)
}

// MinorUnits converts an amount to integer minor units (cents) as gateways expect.
func MinorUnits(amount decimal.Decimal) int64 {
	return Round(amount).Mul(hundred).IntPart()
}

// FromMinorUnits is the inverse of MinorUnits.
func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -Scale)
}
