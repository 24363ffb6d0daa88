package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coaching_billing_echo/internal/models"
)

func TestAuthorizationCallbackActivates(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("auth@example.tw")

	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)

	assert.Equal(t, models.AuthorizationStatusActive, auth.Status)
	assert.Equal(t, "2222", auth.CardLast4)
	assert.Equal(t, "VISA", auth.CardBrand)
	assert.Equal(t, "777777", auth.AuthCode)
	require.NotNil(t, auth.NextPayDate)
	assert.Equal(t, time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC), auth.NextPayDate.UTC())

	sub := f.subscription(user.ID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, models.PlanPro, sub.PlanID)
	assert.Equal(t, int64(89900), sub.Amount)
	assert.Equal(t, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodStart.UTC())
	assert.Equal(t, time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd.UTC())
	require.NotNil(t, sub.AuthID)
	assert.Equal(t, auth.ID, *sub.AuthID)

	assert.Equal(t, models.PlanPro, f.user(user.ID).Plan)
}

func TestAuthorizationCallbackIdempotent(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("again@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)

	ack := f.webhooks.ProcessAuthorization(context.Background(), f.signedAuthCallback(auth.MerchantMemberID, "1"), "127.0.0.1")
	assert.Equal(t, AckOK, ack)

	var subs int64
	require.NoError(t, f.db.Model(&models.Subscription{}).Where("user_id = ?", user.ID).Count(&subs).Error)
	assert.Equal(t, int64(1), subs)

	var logs int64
	require.NoError(t, f.db.Model(&models.WebhookLog{}).Where("kind = ?", models.WebhookKindAuthorization).Count(&logs).Error)
	assert.Equal(t, int64(2), logs)
}

func TestAuthorizationCallbackFailure(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("declined@example.tw")
	res, err := f.auth.CreateAuthorization(context.Background(), user.ID, models.PlanPro, models.BillingCycleMonthly)
	require.NoError(t, err)

	ack := f.webhooks.ProcessAuthorization(context.Background(), f.signedAuthCallback(res.MerchantMemberID, "10100058"), "127.0.0.1")
	assert.Equal(t, AckOK, ack)

	auth := f.reloadAuth(res.AuthorizationID)
	assert.Equal(t, models.AuthorizationStatusFailed, auth.Status)

	var subs int64
	require.NoError(t, f.db.Model(&models.Subscription{}).Count(&subs).Error)
	assert.Zero(t, subs)
	assert.Equal(t, models.PlanFree, f.user(user.ID).Plan)

	// A late success cannot revive a failed mandate.
	ack = f.webhooks.ProcessAuthorization(context.Background(), f.signedAuthCallback(res.MerchantMemberID, "1"), "127.0.0.1")
	assert.Equal(t, AckInvalidState, ack)
}

func TestCallbackAcknowledgements(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("acks@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)
	ctx := context.Background()

	tampered := f.signedBillingCallback(auth.MerchantMemberID, "G-1", "1", 899)
	tampered["amount"] = "1"
	assert.Equal(t, AckError, f.webhooks.ProcessBilling(ctx, tampered, "10.0.0.1"))

	wrongMerchant := f.signer.SignForm(map[string]string{
		"MerchantID":       "9999999",
		"MerchantMemberID": auth.MerchantMemberID,
		"gwsr":             "G-2",
		"RtnCode":          "1",
	})
	assert.Equal(t, AckError, f.webhooks.ProcessBilling(ctx, wrongMerchant, "10.0.0.1"))

	missingGwsr := f.signer.SignForm(map[string]string{
		"MerchantID":       testMerchantID,
		"MerchantMemberID": auth.MerchantMemberID,
		"RtnCode":          "1",
	})
	assert.Equal(t, AckInvalidRequest, f.webhooks.ProcessBilling(ctx, missingGwsr, "10.0.0.1"))

	unknown := f.signedBillingCallback("SUBMNOBODY", "G-3", "1", 899)
	assert.Equal(t, AckNotFound, f.webhooks.ProcessBilling(ctx, unknown, "10.0.0.1"))

	var payments int64
	require.NoError(t, f.db.Model(&models.Payment{}).Count(&payments).Error)
	assert.Zero(t, payments)

	// Rejected signatures leave no trace; verified rejections are logged.
	var logs []models.WebhookLog
	require.NoError(t, f.db.Where("kind = ?", models.WebhookKindBilling).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, string(AckNotFound), logs[0].Ack)
}

func TestBillingCallbackSuccessExtendsPeriod(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("renew@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)

	f.clock.Set(time.Date(2025, 2, 10, 1, 0, 0, 0, time.UTC))
	assert.Equal(t, AckOK, f.bill(auth, "G-100", "1"))

	sub := f.subscription(user.ID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodStart.UTC())
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), sub.CurrentPeriodEnd.UTC())

	p := f.payment("G-100")
	assert.Equal(t, models.PaymentStatusSuccess, p.Status)
	assert.Equal(t, int64(89900), p.Amount)
	assert.Nil(t, p.NextRetryAt)

	reloaded := f.reloadAuth(auth.ID)
	assert.Equal(t, 1, reloaded.ExecTimes)
	require.NotNil(t, reloaded.NextPayDate)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), reloaded.NextPayDate.UTC())

	assert.Equal(t, []NotificationKind{NotificationPaymentSucceeded}, f.notifier.kinds())
}

func TestBillingCallbackIdempotent(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("dupe@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)
	f.clock.Set(time.Date(2025, 2, 10, 1, 0, 0, 0, time.UTC))

	require.Equal(t, AckOK, f.bill(auth, "G-200", "1"))
	before := f.subscription(user.ID)

	f.clock.Advance(time.Hour)
	assert.Equal(t, AckOK, f.bill(auth, "G-200", "1"))

	var payments int64
	require.NoError(t, f.db.Model(&models.Payment{}).Count(&payments).Error)
	assert.Equal(t, int64(1), payments)

	after := f.subscription(user.ID)
	assert.Equal(t, before.CurrentPeriodEnd.UTC(), after.CurrentPeriodEnd.UTC())
	assert.Equal(t, 1, f.reloadAuth(auth.ID).ExecTimes)
	assert.Len(t, f.notifier.kinds(), 1)
}

func TestBillingCallbackAfterCancellation(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("gone@example.tw")
	auth := f.authorize(user, models.PlanPro, models.BillingCycleMonthly)
	ctx := context.Background()

	f.clock.Set(time.Date(2025, 2, 10, 1, 0, 0, 0, time.UTC))
	require.Equal(t, AckOK, f.bill(auth, "G-300", "1"))

	_, err := f.subscriptions.Cancel(ctx, user.ID, true, "moving abroad")
	require.NoError(t, err)

	// Redelivery of a recorded charge is still acknowledged.
	assert.Equal(t, AckOK, f.bill(auth, "G-300", "1"))
	// A new charge for a cancelled subscription is refused.
	assert.Equal(t, AckInvalidState, f.bill(auth, "G-301", "1"))
}

func TestAuthorizationReplacesLiveSubscription(t *testing.T) {
	f := newBillingFixture(t)
	user := f.createUser("switch@example.tw")
	ctx := context.Background()

	first := f.authorize(user, models.PlanStudent, models.BillingCycleMonthly)
	_, err := f.subscriptions.Cancel(ctx, user.ID, false, "switching")
	require.NoError(t, err)

	// The old mandate is still ACTIVE, so it must be cancelled before a new one.
	_, err = f.auth.CreateAuthorization(ctx, user.ID, models.PlanEnterprise, models.BillingCycleAnnual)
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, f.db.Model(&models.CreditAuthorization{}).Where("id = ?", first.ID).
		Update("status", models.AuthorizationStatusCancelled).Error)

	f.clock.Advance(time.Minute)
	second := f.authorize(user, models.PlanEnterprise, models.BillingCycleAnnual)

	var subs []models.Subscription
	require.NoError(t, f.db.Where("user_id = ?", user.ID).Order("id").Find(&subs).Error)
	require.Len(t, subs, 2)
	assert.Equal(t, models.SubscriptionStatusCancelled, subs[0].Status)
	assert.Equal(t, "replaced", subs[0].CancellationReason)
	assert.Equal(t, models.SubscriptionStatusActive, subs[1].Status)
	assert.Equal(t, second.ID, *subs[1].AuthID)
	assert.Equal(t, models.PlanEnterprise, f.user(user.ID).Plan)
}

func TestParseBillingCallback(t *testing.T) {
	cb, err := ParseBillingCallback(map[string]string{
		"MerchantID":       testMerchantID,
		"MerchantMemberID": "SUBM1736501400ABC",
		"gwsr":             "11930001",
		"RtnCode":          "1",
		"amount":           "899",
		"process_date":     "2025/02/10 08:00:00",
	})
	require.NoError(t, err)
	assert.True(t, cb.Succeeded())
	assert.True(t, cb.HasAmount)
	assert.Equal(t, int64(899), cb.Amount)
	require.NotNil(t, cb.ProcessDate)
	assert.Equal(t, time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC), *cb.ProcessDate)

	_, err = ParseBillingCallback(map[string]string{
		"MerchantID": testMerchantID, "MerchantMemberID": "x", "gwsr": "1", "RtnCode": "1", "amount": "-5",
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCardBrand(t *testing.T) {
	tests := map[string]string{
		"431195": "VISA",
		"552199": "MASTERCARD",
		"356778": "JCB",
		"377777": "AMEX",
		"":       "",
		"999999": "OTHER",
	}
	for card6, want := range tests {
		assert.Equal(t, want, cardBrand(card6), card6)
	}
}
