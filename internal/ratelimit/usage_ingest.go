package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterbill/internal/config"
	"go.uber.org/zap"
)

const keyUsageIngestCustomer = "meterbill:usage:ingest:customer:%s"

// UsageIngestLimiter throttles usage ingestion per customer. A nil limiter, or one built
// without Redis, lets every request through.
type UsageIngestLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewUsageIngestLimiter(client *redis.Client, cfg config.Config, log *zap.Logger) *UsageIngestLimiter {
	if client == nil || cfg.UsageIngestRate <= 0 || cfg.UsageIngestBurst <= 0 {
		log.Named("ratelimit").Info("usage ingest rate limiting disabled")
		return &UsageIngestLimiter{}
	}
	return &UsageIngestLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.UsageIngestRate,
		burst:  cfg.UsageIngestBurst,
	}
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageIngestLimiter) AllowCustomer(ctx context.Context, customerID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyUsageIngestCustomer, strings.TrimSpace(customerID))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
