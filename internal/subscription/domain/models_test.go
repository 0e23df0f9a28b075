package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodAt(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	subscription := Subscription{CurrentPeriodStart: &start, CurrentPeriodEnd: &end}

	gotStart, gotEnd, ok := subscription.PeriodAt(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	assert.True(t, ok)
	assert.Equal(t, start, gotStart)
	assert.Equal(t, end, gotEnd)

	// The start is inclusive, the end exclusive.
	_, _, ok = subscription.PeriodAt(start)
	assert.True(t, ok)
	_, _, ok = subscription.PeriodAt(end)
	assert.False(t, ok)

	_, _, ok = subscription.PeriodAt(start.Add(-time.Hour))
	assert.False(t, ok)

	_, _, ok = Subscription{}.PeriodAt(start)
	assert.False(t, ok, "no stored period means no window")
}

func TestIsActive(t *testing.T) {
	assert.True(t, Subscription{Status: SubscriptionStatusActive}.IsActive())
	assert.True(t, Subscription{Status: SubscriptionStatusTrialing}.IsActive())
	assert.False(t, Subscription{Status: SubscriptionStatusPastDue}.IsActive())
	assert.False(t, Subscription{Status: SubscriptionStatusCanceled}.IsActive())
	assert.False(t, Subscription{Status: SubscriptionStatusEnded}.IsActive())
}
