package services

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"coaching_billing_echo/internal/config"
	"coaching_billing_echo/internal/ecpay"
	"coaching_billing_echo/internal/logging"
	"coaching_billing_echo/internal/metrics"
	"coaching_billing_echo/internal/models"
)

// Clock returns the current time. Services call it once per operation.
type Clock func() time.Time

// PeriodGateway is the part of the ECPay client the billing services use.
type PeriodGateway interface {
	CheckoutURL() string
	ReAuth(ctx context.Context, tradeNo string) (*ecpay.ActionResult, error)
	CancelPeriod(ctx context.Context, tradeNo string) (*ecpay.ActionResult, error)
}

// Deps bundles the collaborators shared by the billing services.
type Deps struct {
	DB       *gorm.DB
	Config   *config.Config
	Signer   *ecpay.Signer
	Gateway  PeriodGateway
	Notifier Notifier
	Cache    *SubscriptionCache
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Clock    Clock
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Notifier == nil {
		d.Notifier = NopNotifier{}
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return d
}

func (d Deps) now() time.Time {
	return d.Clock().UTC()
}

func (d Deps) audit() *zap.Logger {
	return logging.Audit(d.Logger)
}

// startOfDay truncates t to midnight UTC.
func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// daysBetween counts whole calendar days from a to b.
func daysBetween(a, b time.Time) int {
	return int(startOfDay(b).Sub(startOfDay(a)).Hours() / 24)
}

// afterCommit holds side effects that must only run once the transaction
// that produced them has committed.
type afterCommit struct {
	notifications []Notification
	cancelMandate []*models.CreditAuthorization
	invalidate    []string
}

func (a *afterCommit) notify(n Notification) {
	a.notifications = append(a.notifications, n)
}

func (a *afterCommit) cancel(auth *models.CreditAuthorization) {
	if auth != nil {
		a.cancelMandate = append(a.cancelMandate, auth)
	}
}

func (a *afterCommit) touch(userID string) {
	a.invalidate = append(a.invalidate, userID)
}

// run performs the collected side effects. Failures are logged for manual
// follow-up and never undo committed state.
func (a *afterCommit) run(ctx context.Context, d Deps) {
	for _, auth := range a.cancelMandate {
		if d.Gateway == nil {
			continue
		}
		if _, err := d.Gateway.CancelPeriod(ctx, auth.MerchantTradeNo); err != nil {
			d.Logger.Error("Failed to cancel mandate at gateway, manual follow-up required",
				zap.Uint("authorization_id", auth.ID),
				zap.String("merchant_trade_no", auth.MerchantTradeNo),
				zap.Error(err))
		}
	}
	for _, userID := range a.invalidate {
		d.Cache.Invalidate(ctx, userID)
	}
	for _, n := range a.notifications {
		if err := d.Notifier.Notify(ctx, n); err != nil {
			d.Logger.Error("Failed to dispatch notification",
				zap.String("kind", string(n.Kind)),
				zap.String("user_id", n.UserID),
				zap.Uint("subscription_id", n.SubscriptionID),
				zap.Error(err))
		}
	}
}

// findLiveSubscription returns the user's ACTIVE or PAST_DUE subscription.
func findLiveSubscription(tx *gorm.DB, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Where("user_id = ? AND status IN ?", userID, models.LiveSubscriptionStatuses).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// cancelAuthorization moves an ACTIVE mandate to CANCELLED. It returns the
// mandate when the gateway must be told, nil when nothing changed.
func cancelAuthorization(tx *gorm.DB, authID *uint, now time.Time) (*models.CreditAuthorization, error) {
	if authID == nil {
		return nil, nil
	}
	var auth models.CreditAuthorization
	if err := tx.First(&auth, *authID).Error; err != nil {
		return nil, err
	}
	if !auth.Status.CanTransitionTo(models.AuthorizationStatusCancelled) {
		return nil, nil
	}
	auth.Status = models.AuthorizationStatusCancelled
	auth.CancelledAt = &now
	auth.NextPayDate = nil
	if err := tx.Save(&auth).Error; err != nil {
		return nil, err
	}
	return &auth, nil
}

// clearPendingRetries drops scheduled retries of every payment of sub.
func clearPendingRetries(tx *gorm.DB, subscriptionID uint) error {
	return tx.Model(&models.Payment{}).
		Where("subscription_id = ? AND next_retry_at IS NOT NULL", subscriptionID).
		Update("next_retry_at", nil).Error
}

func setUserPlan(tx *gorm.DB, userID string, plan models.PlanID) error {
	return tx.Model(&models.User{}).Where("id = ?", userID).Update("plan", plan).Error
}
