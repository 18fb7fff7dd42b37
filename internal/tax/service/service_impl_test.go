package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterbill/internal/config"
	taxdomain "github.com/smallbiznis/meterbill/internal/tax/domain"
	"github.com/stretchr/testify/assert"
)

func TestResolverUsesJurisdictionRate(t *testing.T) {
	policy := config.DefaultPolicy()
	policy.TaxRates = map[string]string{"default": "0.05", "id": "0.11"}
	r := NewResolver(resolverParam{Policy: config.NewStaticPolicyHolder(policy)})

	rate := r.Resolve(" id ")
	assert.Equal(t, "ID", rate.Jurisdiction)
	assert.Equal(t, "0.11", rate.Rate.String())
	assert.Equal(t, taxdomain.TaxModeExclusive, rate.Mode)

	assert.Equal(t, "0.05", r.Resolve("SG").Rate.String())
}

func TestComputeTax(t *testing.T) {
	rate := decimal.RequireFromString("0.11")
	assert.Equal(t, "105.60", ComputeTaxExclusive(decimal.RequireFromString("960"), rate).StringFixed(2))
	assert.True(t, ComputeTaxExclusive(decimal.NewFromInt(-5), rate).IsZero())
	assert.Equal(t, "11.00", ComputeTaxInclusive(decimal.RequireFromString("111"), rate).StringFixed(2))
}
