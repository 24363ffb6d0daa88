package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coaching_billing_echo/internal/models"
)

var periodEnd = time.Date(2025, 2, 10, 0, 30, 0, 0, time.UTC)

func TestRetryScheduleOffsets(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("retry@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)

	f.clock.Set(periodEnd)
	require.Equal(t, AckOK, f.bill(auth, "F-1", "10100248"))

	first := f.payment("F-1")
	assert.Equal(t, models.PaymentStatusFailed, first.Status)
	assert.Equal(t, 0, first.RetryCount)
	assert.Equal(t, 3, first.MaxRetries)
	require.NotNil(t, first.NextRetryAt)
	assert.Equal(t, periodEnd.Add(24*time.Hour), first.NextRetryAt.UTC())

	sub := f.subscription(user.ID)
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
	require.NotNil(t, sub.GracePeriodEndsAt)
	grace := periodEnd.Add(7 * 24 * time.Hour)
	assert.Equal(t, grace, sub.GracePeriodEndsAt.UTC())
	assert.Equal(t, models.PlanPro, f.user(user.ID).Plan)

	f.clock.Set(periodEnd.Add(24 * time.Hour))
	require.Equal(t, AckOK, f.bill(auth, "F-2", "10100248"))

	second := f.payment("F-2")
	assert.Equal(t, 1, second.RetryCount)
	require.NotNil(t, second.NextRetryAt)
	assert.Equal(t, periodEnd.Add(4*24*time.Hour), second.NextRetryAt.UTC())
	assert.Nil(t, f.payment("F-1").NextRetryAt)

	sub = f.subscription(user.ID)
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
	assert.Equal(t, grace, sub.GracePeriodEndsAt.UTC())

	assert.Equal(t, []NotificationKind{NotificationPaymentFailed, NotificationRetryScheduled}, f.notifier.kinds())
}

func TestFailureOutsideWindowStartsNewStreak(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("window@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)

	f.clock.Set(periodEnd)
	require.Equal(t, AckOK, f.bill(auth, "W-1", "10100248"))

	// Recovered before the grace period ended.
	f.clock.Set(periodEnd.Add(2 * 24 * time.Hour))
	require.Equal(t, AckOK, f.bill(auth, "W-2", "1"))
	sub := f.subscription(user.ID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.GracePeriodEndsAt)

	f.clock.Set(periodEnd.Add(30 * 24 * time.Hour))
	require.Equal(t, AckOK, f.bill(auth, "W-3", "10100248"))

	p := f.payment("W-3")
	assert.Equal(t, 0, p.RetryCount)
	require.NotNil(t, p.NextRetryAt)
	assert.Equal(t, periodEnd.Add(31*24*time.Hour), p.NextRetryAt.UTC())
}

func TestGraceExpiryDowngradesThroughMaintenance(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("lapsed@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)
	ctx := context.Background()

	f.clock.Set(periodEnd)
	require.Equal(t, AckOK, f.bill(auth, "L-1", "10100248"))

	f.clock.Set(periodEnd.Add(6 * 24 * time.Hour))
	report, err := f.maintenance.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Downgraded)

	f.clock.Set(periodEnd.Add(7*24*time.Hour + time.Minute))
	report, err = f.maintenance.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downgraded)

	sub := f.subscription(user.ID)
	assert.Equal(t, models.PlanFree, sub.PlanID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, models.DowngradeReasonPaymentFailure, sub.DowngradeReason)
	assert.Equal(t, models.PlanFree, f.user(user.ID).Plan)
	assert.Equal(t, models.AuthorizationStatusCancelled, f.reloadAuth(auth.ID).Status)
	assert.Equal(t, []string{auth.MerchantTradeNo}, f.gateway.cancels)
	assert.Nil(t, f.payment("L-1").NextRetryAt)
}

func TestMaintenanceRequestsDueRetries(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("due@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)
	ctx := context.Background()

	f.clock.Set(periodEnd)
	require.Equal(t, AckOK, f.bill(auth, "D-1", "10100248"))

	report, err := f.maintenance.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.RetriesRequested)
	assert.Empty(t, f.gateway.reauths)

	f.clock.Set(periodEnd.Add(25 * time.Hour))
	report, err = f.maintenance.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RetriesRequested)
	assert.Equal(t, []string{auth.MerchantTradeNo}, f.gateway.reauths)

	p := f.payment("D-1")
	assert.Nil(t, p.NextRetryAt)
	require.NotNil(t, p.RetriedAt)
	assert.Equal(t, int64(1), report.StatusCounts[string(models.SubscriptionStatusPastDue)])
	assert.Zero(t, report.SuccessRate)
}

func TestRetryPaymentGatewayError(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("flaky@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)
	ctx := context.Background()

	f.clock.Set(periodEnd)
	require.Equal(t, AckOK, f.bill(auth, "R-1", "10100248"))
	p := f.payment("R-1")

	f.gateway.reauthErr = assert.AnError
	err := f.retry.RetryPayment(ctx, p.ID)
	assert.ErrorIs(t, err, ErrGateway)
	assert.NotNil(t, f.payment("R-1").NextRetryAt)

	f.clock.Set(periodEnd.Add(25 * time.Hour))
	report, err := f.maintenance.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	assert.Zero(t, report.RetriesRequested)

	require.Equal(t, AckOK, f.bill(auth, "R-2", "1"))
	err = f.retry.RetryPayment(ctx, f.payment("R-2").ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = f.retry.RetryPayment(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Authorize, renew once, then fail three times in a row: the third failure
// lands after the grace period and drops the user to the free tier.
func TestRecurringBillingLifecycle(t *testing.T) {
	f := newBillingFixture(t)
	ctx := context.Background()
	f.clock.Set(time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC))
	user := f.createUser("journey@example.tw")

	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)
	assert.Equal(t, models.PlanPro, f.user(user.ID).Plan)

	f.clock.Set(time.Date(2025, 2, 10, 0, 30, 0, 0, time.UTC))
	require.Equal(t, AckOK, f.bill(auth, "E-1", "1"))
	sub := f.subscription(user.ID)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd.UTC())

	firstFailure := time.Date(2025, 3, 10, 0, 30, 0, 0, time.UTC)
	f.clock.Set(firstFailure)
	require.Equal(t, AckOK, f.bill(auth, "E-2", "10100248"))
	assert.Equal(t, models.SubscriptionStatusPastDue, f.subscription(user.ID).Status)

	f.clock.Set(firstFailure.Add(24 * time.Hour))
	require.Equal(t, AckOK, f.bill(auth, "E-3", "10100248"))
	assert.Equal(t, models.SubscriptionStatusPastDue, f.subscription(user.ID).Status)
	assert.Equal(t, models.PlanPro, f.user(user.ID).Plan)

	f.clock.Set(firstFailure.Add(7*24*time.Hour + time.Hour))
	require.Equal(t, AckOK, f.bill(auth, "E-4", "10100248"))

	sub = f.subscription(user.ID)
	assert.Equal(t, models.PlanFree, sub.PlanID)
	assert.Zero(t, sub.Amount)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.GracePeriodEndsAt)
	require.NotNil(t, sub.DowngradedAt)
	assert.Equal(t, models.DowngradeReasonPaymentFailure, sub.DowngradeReason)

	assert.Equal(t, models.PlanFree, f.user(user.ID).Plan)
	assert.Equal(t, models.AuthorizationStatusCancelled, f.reloadAuth(auth.ID).Status)
	assert.Equal(t, []string{auth.MerchantTradeNo}, f.gateway.cancels)

	last := f.payment("E-4")
	assert.Equal(t, 2, last.RetryCount)
	assert.Nil(t, last.NextRetryAt)

	assert.Equal(t, []NotificationKind{
		NotificationPaymentSucceeded,
		NotificationPaymentFailed,
		NotificationRetryScheduled,
		NotificationDowngraded,
	}, f.notifier.kinds())

	// Redelivery after the downgrade is still acknowledged without effect.
	require.Equal(t, AckOK, f.bill(auth, "E-4", "10100248"))
	assert.Len(t, f.notifier.kinds(), 4)

	report, err := f.maintenance.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Downgraded)
	assert.Zero(t, report.SuccessRate)
	assert.Equal(t, int64(1), report.StatusCounts[string(models.SubscriptionStatusActive)])
}

func TestFailureEscalationWithinGrace(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("escalate@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)
	grace := periodEnd.Add(7 * 24 * time.Hour)
	day := 24 * time.Hour

	steps := []struct {
		gwsr           string
		at             time.Duration
		wantRetryCount int
		wantNextRetry  *time.Time
	}{
		{"T-1", 0, 0, ptrTime(periodEnd.Add(day))},
		{"T-2", day, 1, ptrTime(periodEnd.Add(4 * day))},
		{"T-3", 2 * day, 2, ptrTime(periodEnd.Add(9 * day))},
		{"T-4", 3 * day, 3, nil},
	}
	for _, step := range steps {
		t.Run(step.gwsr, func(t *testing.T) {
			f.clock.Set(periodEnd.Add(step.at))
			require.Equal(t, AckOK, f.bill(auth, step.gwsr, "10100248"))

			p := f.payment(step.gwsr)
			assert.Equal(t, models.PaymentStatusFailed, p.Status)
			assert.Equal(t, step.wantRetryCount, p.RetryCount)
			if step.wantNextRetry == nil {
				assert.Nil(t, p.NextRetryAt)
			} else {
				require.NotNil(t, p.NextRetryAt)
				assert.Equal(t, *step.wantNextRetry, p.NextRetryAt.UTC())
			}

			sub := f.subscription(user.ID)
			assert.Equal(t, models.PlanPro, sub.PlanID)
			assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
			require.NotNil(t, sub.GracePeriodEndsAt)
			assert.Equal(t, grace, sub.GracePeriodEndsAt.UTC())
			assert.Equal(t, models.PlanPro, f.user(user.ID).Plan)
		})
	}
}

// The third retry is scheduled past the grace period, so maintenance
// downgrades before it is ever requested.
func TestGraceExpiryPreemptsLateRetry(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("preempt@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)
	ctx := context.Background()
	day := 24 * time.Hour

	for i, gwsr := range []string{"P-1", "P-2", "P-3"} {
		f.clock.Set(periodEnd.Add(time.Duration(i) * day))
		require.Equal(t, AckOK, f.bill(auth, gwsr, "10100248"))
	}
	sub := f.subscription(user.ID)
	third := f.payment("P-3")
	require.NotNil(t, third.NextRetryAt)
	require.NotNil(t, sub.GracePeriodEndsAt)
	assert.True(t, third.NextRetryAt.After(*sub.GracePeriodEndsAt))

	f.clock.Set(sub.GracePeriodEndsAt.Add(time.Minute))
	report, err := f.maintenance.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Downgraded)
	assert.Zero(t, report.RetriesRequested)
	assert.Empty(t, f.gateway.reauths)
	assert.Nil(t, f.payment("P-3").NextRetryAt)
	assert.Equal(t, models.PlanFree, f.subscription(user.ID).PlanID)
}

func TestBillingCallbacksAfterForcedDowngradeRejected(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("afterlife@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)
	ctx := context.Background()

	f.clock.Set(periodEnd)
	require.Equal(t, AckOK, f.bill(auth, "X-1", "10100248"))

	f.clock.Set(periodEnd.Add(7*24*time.Hour + time.Minute))
	report, err := f.maintenance.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Downgraded)

	before := f.subscription(user.ID)
	execTimes := f.reloadAuth(auth.ID).ExecTimes
	notified := len(f.notifier.kinds())

	// The gateway can still deliver results for a mandate it has not yet dropped.
	f.clock.Set(periodEnd.Add(8 * 24 * time.Hour))
	assert.Equal(t, AckInvalidState, f.bill(auth, "X-2", "10100248"))
	assert.Equal(t, AckInvalidState, f.bill(auth, "X-3", "1"))

	sub := f.subscription(user.ID)
	assert.Equal(t, before.ID, sub.ID)
	assert.Equal(t, models.PlanFree, sub.PlanID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.GracePeriodEndsAt)
	assert.Equal(t, before.CurrentPeriodEnd.UTC(), sub.CurrentPeriodEnd.UTC())
	assert.Equal(t, models.PlanFree, f.user(user.ID).Plan)
	assert.Equal(t, execTimes, f.reloadAuth(auth.ID).ExecTimes)
	assert.Len(t, f.notifier.kinds(), notified)

	var late int64
	require.NoError(t, f.db.Model(&models.Payment{}).
		Where("gateway_transaction_ref IN ?", []string{"X-2", "X-3"}).Count(&late).Error)
	assert.Zero(t, late)

	// The original failure is still a known delivery.
	assert.Equal(t, AckOK, f.bill(auth, "X-1", "10100248"))
}

func ptrTime(t time.Time) *time.Time { return &t }
