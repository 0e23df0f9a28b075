package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/grantor/internal/cache"
	"github.com/smallbiznis/grantor/internal/cloudmetrics"
	"github.com/smallbiznis/grantor/internal/config"
	"github.com/smallbiznis/grantor/internal/entitlement/domain"
)

const allEntitlementsKey = "_all"

// entitlementCache is the resolver's read-through facade over the shared
// Store. Keys are ent|<org>|<customer>|<feature> so one prefix invalidation
// covers every entry a mutation can stale.
type entitlementCache struct {
	store  cache.Store
	holder *config.EnforcementHolder
}

func newEntitlementCache(store cache.Store, holder *config.EnforcementHolder) *entitlementCache {
	return &entitlementCache{store: store, holder: holder}
}

func (c *entitlementCache) ttl() time.Duration {
	cfg := c.holder.Get()
	if cfg.CacheTTLSeconds > 0 {
		return time.Duration(cfg.CacheTTLSeconds) * time.Second
	}
	return 45 * time.Second
}

func (c *entitlementCache) GetCheck(ctx context.Context, orgID, customerID snowflake.ID, featureKey string) (*domain.Check, bool) {
	key := cache.Key("ent", orgID.String(), customerID.String(), featureKey)
	data, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		cloudmetrics.RecordCacheLookup(false)
		return nil, false
	}
	var check domain.Check
	if err := json.Unmarshal(data, &check); err != nil {
		_ = c.store.Delete(ctx, key)
		cloudmetrics.RecordCacheLookup(false)
		return nil, false
	}
	cloudmetrics.RecordCacheLookup(true)
	return &check, true
}

func (c *entitlementCache) SetCheck(ctx context.Context, orgID, customerID snowflake.ID, check *domain.Check) {
	if check == nil {
		return
	}
	data, err := json.Marshal(check)
	if err != nil {
		return
	}
	_ = c.store.Set(ctx, cache.Key("ent", orgID.String(), customerID.String(), check.FeatureKey), data, c.ttl())
}

func (c *entitlementCache) GetAll(ctx context.Context, orgID, customerID snowflake.ID) (*domain.CustomerEntitlements, bool) {
	key := cache.Key("ent", orgID.String(), customerID.String(), allEntitlementsKey)
	data, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		cloudmetrics.RecordCacheLookup(false)
		return nil, false
	}
	var all domain.CustomerEntitlements
	if err := json.Unmarshal(data, &all); err != nil {
		_ = c.store.Delete(ctx, key)
		cloudmetrics.RecordCacheLookup(false)
		return nil, false
	}
	cloudmetrics.RecordCacheLookup(true)
	return &all, true
}

func (c *entitlementCache) SetAll(ctx context.Context, orgID, customerID snowflake.ID, all *domain.CustomerEntitlements) {
	if all == nil {
		return
	}
	data, err := json.Marshal(all)
	if err != nil {
		return
	}
	_ = c.store.Set(ctx, cache.Key("ent", orgID.String(), customerID.String(), allEntitlementsKey), data, c.ttl())
}

// Invalidate drops every cached entry for (org, customer). Mutations call
// it before returning so the next read sees the store.
func (c *entitlementCache) Invalidate(ctx context.Context, orgID, customerID snowflake.ID) {
	prefix := cache.Key("ent", orgID.String(), customerID.String()) + "|"
	_ = c.store.InvalidatePrefix(ctx, prefix)
}
