package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/meterbill/internal/config"
)

const (
	JobRenewals     = "renewals"
	JobInvoiceSweep = "invoice_sweep"
	JobDunning      = "dunning"
	JobGraceExpiry  = "grace_expiry"
	JobTrialAlerts  = "trial_alerts"
	JobAlertPurge   = "alert_purge"
)

// Config controls job schedules and batch sizes.
type Config struct {
	Enabled bool
	// Specs maps a job name to its cron spec. Jobs without an entry use DefaultSpec.
	Specs       map[string]string
	DefaultSpec string
	BatchSize   int
	JobTimeout  time.Duration
	LockTTL     time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Specs: map[string]string{
			JobTrialAlerts: "@every 1h",
			JobAlertPurge:  "@every 6h",
		},
		DefaultSpec: "@every 1m",
		BatchSize:   50,
		JobTimeout:  30 * time.Second,
		LockTTL:     time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	c := DefaultConfig()
	c.Enabled = cfg.SchedulerEnabled
	if spec := strings.TrimSpace(cfg.SchedulerSpec); spec != "" {
		c.DefaultSpec = spec
	}
	if cfg.LockTTL > 0 {
		c.LockTTL = cfg.LockTTL
	}
	c.EnabledJobs = cfg.SchedulerJobs
	return c
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Specs == nil {
		c.Specs = defaults.Specs
	}
	if strings.TrimSpace(c.DefaultSpec) == "" {
		c.DefaultSpec = defaults.DefaultSpec
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

func (c Config) spec(job string) string {
	if spec := strings.TrimSpace(c.Specs[job]); spec != "" {
		return spec
	}
	return c.DefaultSpec
}

func (c Config) jobEnabled(job string) bool {
	// An empty list enables every job (monolith mode).
	if len(c.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range c.EnabledJobs {
		if strings.EqualFold(enabled, job) {
			return true
		}
	}
	return false
}
