package pending

import "time"

// Config controls the pending-usage retry loop.
type Config struct {
	Capacity     int
	PollInterval time.Duration
	RunTimeout   time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:     10000,
		PollInterval: 2 * time.Second,
		RunTimeout:   10 * time.Second,
		BaseBackoff:  time.Second,
		MaxBackoff:   time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = defaults.Capacity
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaults.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = defaults.MaxBackoff
	}
	return c
}

// backoff doubles per failed attempt up to MaxBackoff.
func (c Config) backoff(attempts int) time.Duration {
	delay := c.BaseBackoff
	for i := 1; i < attempts && delay < c.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > c.MaxBackoff {
		delay = c.MaxBackoff
	}
	return delay
}
