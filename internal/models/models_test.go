package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnumScanRejectsUnknownValues(t *testing.T) {
	var s SubscriptionStatus
	require.NoError(t, s.Scan("PAST_DUE"))
	assert.Equal(t, SubscriptionStatusPastDue, s)
	assert.Error(t, s.Scan("SUSPENDED"))

	var p PaymentStatus
	require.NoError(t, p.Scan([]byte("FAILED")))
	assert.Equal(t, PaymentStatusFailed, p)
	assert.Error(t, p.Scan(42))

	var plan PlanID
	assert.Error(t, plan.Scan("GOLD"))
	require.NoError(t, plan.Scan("ENTERPRISE"))

	var cycle BillingCycle
	assert.Error(t, cycle.Scan("weekly"))
}

func TestPlanTiers(t *testing.T) {
	assert.Less(t, PlanFree.Tier(), PlanStudent.Tier())
	assert.Less(t, PlanStudent.Tier(), PlanPro.Tier())
	assert.Less(t, PlanPro.Tier(), PlanEnterprise.Tier())

	catalog := PlanCatalog()
	require.Len(t, catalog, 4)
	for i := 1; i < len(catalog); i++ {
		assert.Greater(t, catalog[i].Tier, catalog[i-1].Tier)
	}

	pro, ok := LookupPlan(PlanPro)
	require.True(t, ok)
	amount, ok := pro.Price(BillingCycleMonthly)
	require.True(t, ok)
	assert.Equal(t, int64(89900), amount)

	_, ok = pro.Price(BillingCycle("weekly"))
	assert.False(t, ok)
}

func TestAuthorizationTransitions(t *testing.T) {
	tests := []struct {
		from, to AuthorizationStatus
		allowed  bool
	}{
		{AuthorizationStatusPending, AuthorizationStatusActive, true},
		{AuthorizationStatusPending, AuthorizationStatusFailed, true},
		{AuthorizationStatusActive, AuthorizationStatusCancelled, true},
		{AuthorizationStatusPending, AuthorizationStatusCancelled, false},
		{AuthorizationStatusFailed, AuthorizationStatusActive, false},
		{AuthorizationStatusCancelled, AuthorizationStatusActive, false},
		{AuthorizationStatusActive, AuthorizationStatusFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCycleArithmetic(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), BillingCycleMonthly.AddTo(start))
	assert.Equal(t, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC), BillingCycleAnnual.AddTo(start))
	assert.Equal(t, "M", BillingCycleMonthly.PeriodType().GatewayCode())
	assert.Equal(t, "Y", BillingCycleAnnual.PeriodType().GatewayCode())
}

func TestScheduledTaskNextDue(t *testing.T) {
	rule := "FREQ=HOURLY;INTERVAL=1"
	due := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		task     ScheduledTask
		after    time.Time
		expected time.Time
	}{
		{
			name:     "one time keeps due",
			task:     ScheduledTask{Due: due, TaskType: ScheduledTaskTypeOneTime},
			after:    due.Add(3 * time.Hour),
			expected: due,
		},
		{
			name:     "recurring jumps past after",
			task:     ScheduledTask{Due: due, TaskType: ScheduledTaskTypeRecurring, RecurringInterval: &rule},
			after:    due.Add(150 * time.Minute),
			expected: due.Add(3 * time.Hour),
		},
		{
			name:     "recurring strictly after",
			task:     ScheduledTask{Due: due, TaskType: ScheduledTaskTypeRecurring, RecurringInterval: &rule},
			after:    due,
			expected: due.Add(time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.expected.Equal(tt.task.NextDue(tt.after)), "got %s", tt.task.NextDue(tt.after))
		})
	}
}
