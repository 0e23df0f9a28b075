package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/grantor/internal/config"
)

const (
	keyEnforceOrg  = "enforce:org:%s"
	keyEnforceLock = "enforce:lock:%s:%s:%s"

	enforceLockTTL = 5 * time.Second
)

// EnforceLimiter throttles enforcement checks per organization and
// serializes enforce-and-record for a (customer, feature) pair so
// concurrent consumption never double-spends a quota.
type EnforceLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	orgRate  float64
	orgBurst int
}

func NewEnforceLimiter(cfg config.Config) (*EnforceLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.EnforceOrgRate <= 0 || limitCfg.EnforceOrgBurst <= 0 {
		return nil, errors.New("enforce org rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &EnforceLimiter{
		enabled:  true,
		bucket:   NewTokenBucket(client),
		locker:   NewLocker(client),
		orgRate:  limitCfg.EnforceOrgRate,
		orgBurst: limitCfg.EnforceOrgBurst,
	}, nil
}

func (l *EnforceLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *EnforceLimiter) AllowOrg(ctx context.Context, orgID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyEnforceOrg, strings.TrimSpace(orgID)), l.orgRate, l.orgBurst)
}

func (l *EnforceLimiter) TryLockCustomerFeature(ctx context.Context, orgID, customerID, featureKey string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	key := fmt.Sprintf(
		keyEnforceLock,
		strings.TrimSpace(orgID),
		strings.TrimSpace(customerID),
		strings.TrimSpace(featureKey),
	)
	return l.locker.TryLock(ctx, key, enforceLockTTL)
}

func (l *EnforceLimiter) ReleaseCustomerFeature(ctx context.Context, orgID, customerID, featureKey, token string) error {
	if !l.Enabled() {
		return nil
	}
	key := fmt.Sprintf(
		keyEnforceLock,
		strings.TrimSpace(orgID),
		strings.TrimSpace(customerID),
		strings.TrimSpace(featureKey),
	)
	return l.locker.Release(ctx, key, token)
}
