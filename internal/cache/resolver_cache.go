package cache

import (
	"time"

	subscriptiondomain "github.com/smallbiznis/grantor/internal/subscription/domain"
)

const defaultSubscriptionTTL = 45 * time.Second

// SubscriptionResolverCache stores the hot-path active-subscription lookup
// used while resolving usage windows.
type SubscriptionResolverCache interface {
	GetActiveSubscription(orgID, customerID string) (subscriptiondomain.Subscription, bool)
	SetActiveSubscription(orgID, customerID string, subscription subscriptiondomain.Subscription)
	InvalidateCustomer(orgID, customerID string)
}

type subscriptionResolverCache struct {
	subscriptions Cache[string, subscriptiondomain.Subscription]
	subTTL        time.Duration
}

// NewSubscriptionResolverCache returns an in-memory cache tuned for the
// evaluator's period resolution.
func NewSubscriptionResolverCache() SubscriptionResolverCache {
	return &subscriptionResolverCache{
		subscriptions: NewTTLCache[string, subscriptiondomain.Subscription](),
		subTTL:        defaultSubscriptionTTL,
	}
}

func (c *subscriptionResolverCache) GetActiveSubscription(orgID, customerID string) (subscriptiondomain.Subscription, bool) {
	return c.subscriptions.Get(Key(orgID, customerID))
}

func (c *subscriptionResolverCache) SetActiveSubscription(orgID, customerID string, subscription subscriptiondomain.Subscription) {
	if subscription.ID == 0 {
		return
	}
	c.subscriptions.Set(Key(orgID, customerID), subscription, c.subTTL)
}

func (c *subscriptionResolverCache) InvalidateCustomer(orgID, customerID string) {
	c.subscriptions.Delete(Key(orgID, customerID))
}
