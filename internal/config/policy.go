package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy is the operator-tunable billing policy. It is hot reloaded from billing.yml.
type Policy struct {
	Currency          string            `mapstructure:"currency"`
	WarningThreshold  float64           `mapstructure:"warningThreshold"`
	CriticalThreshold float64           `mapstructure:"criticalThreshold"`
	TrialNoticeDays   int               `mapstructure:"trialNoticeDays"`
	InvoiceDueDays    int               `mapstructure:"invoiceDueDays"`
	Invoice           InvoicePolicy     `mapstructure:"invoice"`
	AlertTTL          time.Duration     `mapstructure:"alertTTL"`
	Dunning           DunningPolicy     `mapstructure:"dunning"`
	TaxRates          map[string]string `mapstructure:"taxRates"`
}

// InvoicePolicy controls invoice numbering and the seller block on printed invoices.
type InvoicePolicy struct {
	NumberFormat string `mapstructure:"numberFormat"`
	SellerName   string `mapstructure:"sellerName"`
	FooterNotes  string `mapstructure:"footerNotes"`
	PrimaryColor string `mapstructure:"primaryColor"`
}

// DunningPolicy controls payment retries for past-due subscriptions.
type DunningPolicy struct {
	RetryIntervals []time.Duration `mapstructure:"retryIntervals"`
	GracePeriod    time.Duration   `mapstructure:"gracePeriod"`
}

const defaultJurisdiction = "default"

func DefaultPolicy() Policy {
	return Policy{
		Currency:          "USD",
		WarningThreshold:  0.8,
		CriticalThreshold: 1.0,
		TrialNoticeDays:   3,
		InvoiceDueDays:    14,
		Invoice: InvoicePolicy{
			NumberFormat: "INV-{YYYY}{MM}-{ID10}",
			SellerName:   "Meterbill",
		},
		AlertTTL:          30 * 24 * time.Hour,
		Dunning: DunningPolicy{
			RetryIntervals: []time.Duration{24 * time.Hour, 72 * time.Hour, 120 * time.Hour},
			GracePeriod:    7 * 24 * time.Hour,
		},
		TaxRates: map[string]string{defaultJurisdiction: "0"},
	}
}

// MaxAttempts is the initial charge plus one per configured retry.
func (d DunningPolicy) MaxAttempts() int {
	return len(d.RetryIntervals) + 1
}

// NextRetry returns the delay before retry number attempt (1-based count of failed attempts).
func (d DunningPolicy) NextRetry(failedAttempts int) (time.Duration, bool) {
	if failedAttempts <= 0 || failedAttempts > len(d.RetryIntervals) {
		return 0, false
	}
	return d.RetryIntervals[failedAttempts-1], true
}

// TaxRate resolves the rate for a jurisdiction, falling back to the default entry.
func (p Policy) TaxRate(jurisdiction string) decimal.Decimal {
	key := strings.ToUpper(strings.TrimSpace(jurisdiction))
	for k, v := range p.TaxRates {
		if strings.ToUpper(k) == key && key != "" {
			if rate, err := decimal.NewFromString(v); err == nil {
				return rate
			}
		}
	}
	if v, ok := p.TaxRates[defaultJurisdiction]; ok {
		if rate, err := decimal.NewFromString(v); err == nil {
			return rate
		}
	}
	return decimal.Zero
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder wraps a fixed policy, mainly for tests and tools.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.current.Store(p)
	return h
}

func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("config.policy")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	if cfg.ConfigDir != "" {
		v.AddConfigPath(filepath.Clean(cfg.ConfigDir))
	}
	v.AddConfigPath("/etc/meterbill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PolicyHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("billing.yml not found, using default policy")
		holder.current.Store(DefaultPolicy())
		return holder, nil
	}

	policy, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePolicy(v)
		if err != nil {
			log.Warn("policy reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

func decodePolicy(v *viper.Viper) (Policy, error) {
	policy := DefaultPolicy()
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return Policy{}, err
	}
	if err := validatePolicy(policy); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

func validatePolicy(p Policy) error {
	if strings.TrimSpace(p.Currency) == "" {
		return errors.New("billing.currency cannot be empty")
	}
	if p.WarningThreshold <= 0 || p.WarningThreshold > p.CriticalThreshold {
		return fmt.Errorf("billing.warningThreshold must be in (0, criticalThreshold], got %v", p.WarningThreshold)
	}
	if p.TrialNoticeDays < 0 {
		return errors.New("billing.trialNoticeDays cannot be negative")
	}
	if p.InvoiceDueDays < 0 {
		return errors.New("billing.invoiceDueDays cannot be negative")
	}
	if strings.TrimSpace(p.Invoice.NumberFormat) == "" {
		return errors.New("billing.invoice.numberFormat cannot be empty")
	}
	if p.Dunning.GracePeriod <= 0 {
		return errors.New("billing.dunning.gracePeriod must be positive")
	}
	for _, interval := range p.Dunning.RetryIntervals {
		if interval <= 0 {
			return errors.New("billing.dunning.retryIntervals must be positive")
		}
	}
	for jurisdiction, raw := range p.TaxRates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("billing.taxRates.%s: %w", jurisdiction, err)
		}
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("billing.taxRates.%s must be in [0, 1)", jurisdiction)
		}
	}
	return nil
}
