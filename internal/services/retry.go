package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"coaching_billing_echo/internal/models"
)

// RetryAction is the outcome chosen for a failed payment.
type RetryAction string

const (
	RetryActionScheduled  RetryAction = "retry_scheduled"
	RetryActionExhausted  RetryAction = "exhausted"
	RetryActionDowngraded RetryAction = "downgraded"
)

// RetryDecision describes what HandleFailure did to the subscription.
type RetryDecision struct {
	Action              RetryAction
	ConsecutiveFailures int
	NextRetryAt         *time.Time
	GracePeriodEndsAt   *time.Time
	Notification        *Notification
	CancelledMandate    *models.CreditAuthorization
}

// RetryEngine owns the past-due escalation: retry scheduling, grace period
// handling and the forced downgrade to the free tier.
type RetryEngine struct {
	deps   Deps
	logger *zap.Logger
	audit  *zap.Logger
}

func NewRetryEngine(d Deps) *RetryEngine {
	d = d.withDefaults()
	return &RetryEngine{deps: d, logger: d.Logger.Named("retry"), audit: d.audit()}
}

// consecutiveFailures counts FAILED payments since the last success. Two
// failures further apart than the failure window break the streak.
func (e *RetryEngine) consecutiveFailures(tx *gorm.DB, subscriptionID uint) (int, error) {
	var payments []models.Payment
	if err := tx.Where("subscription_id = ? AND status IN ?", subscriptionID,
		[]models.PaymentStatus{models.PaymentStatusSuccess, models.PaymentStatusFailed}).
		Order("processed_at DESC, id DESC").
		Find(&payments).Error; err != nil {
		return 0, err
	}

	window := e.deps.Config.Billing.FailureWindow
	n := 0
	var newer time.Time
	for _, p := range payments {
		if p.Status == models.PaymentStatusSuccess {
			break
		}
		if n > 0 && newer.Sub(p.ProcessedAt) > window {
			break
		}
		n++
		newer = p.ProcessedAt
	}
	return n, nil
}

func (e *RetryEngine) retryOffset(n int) time.Duration {
	schedule := e.deps.Config.Billing.RetrySchedule
	idx := n - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// HandleFailure applies the escalation rules for a FAILED payment that has
// already been inserted in tx. sub and payment are updated and saved.
func (e *RetryEngine) HandleFailure(tx *gorm.DB, sub *models.Subscription, payment *models.Payment, now time.Time) (*RetryDecision, error) {
	billing := e.deps.Config.Billing

	n, err := e.consecutiveFailures(tx, sub.ID)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		n = 1
	}

	// Earlier failures are superseded by this one.
	if err := tx.Model(&models.Payment{}).
		Where("subscription_id = ? AND id <> ? AND next_retry_at IS NOT NULL", sub.ID, payment.ID).
		Update("next_retry_at", nil).Error; err != nil {
		return nil, err
	}

	payment.MaxRetries = billing.MaxRetries
	payment.RetryCount = min(n-1, billing.MaxRetries)
	payment.NextRetryAt = nil

	decision := &RetryDecision{ConsecutiveFailures: n}
	graceExpired := sub.GracePeriodEndsAt != nil && !now.Before(*sub.GracePeriodEndsAt)

	switch {
	case n == 1 && !payment.RetriesExhausted():
		if sub.Status != models.SubscriptionStatusPastDue || sub.GracePeriodEndsAt == nil {
			grace := now.Add(billing.GracePeriod)
			sub.GracePeriodEndsAt = &grace
		}
		sub.Status = models.SubscriptionStatusPastDue
		e.scheduleRetry(payment, now, n)
		decision.Action = RetryActionScheduled

	case n == 2 && !payment.RetriesExhausted():
		sub.Status = models.SubscriptionStatusPastDue
		e.scheduleRetry(payment, now, n)
		if sub.GracePeriodEndsAt == nil {
			grace := now.Add(billing.GracePeriod)
			sub.GracePeriodEndsAt = &grace
		} else if !graceExpired && payment.NextRetryAt.After(*sub.GracePeriodEndsAt) {
			grace := *payment.NextRetryAt
			sub.GracePeriodEndsAt = &grace
		}
		decision.Action = RetryActionScheduled

	case graceExpired:
		cancelled, err := e.ForceDowngrade(tx, sub, models.DowngradeReasonPaymentFailure, now)
		if err != nil {
			return nil, err
		}
		decision.Action = RetryActionDowngraded
		decision.CancelledMandate = cancelled

	default:
		sub.Status = models.SubscriptionStatusPastDue
		if sub.GracePeriodEndsAt == nil {
			grace := now.Add(billing.GracePeriod)
			sub.GracePeriodEndsAt = &grace
		}
		if payment.RetriesExhausted() {
			decision.Action = RetryActionExhausted
		} else {
			e.scheduleRetry(payment, now, n)
			decision.Action = RetryActionScheduled
		}
	}

	decision.NextRetryAt = payment.NextRetryAt
	decision.GracePeriodEndsAt = sub.GracePeriodEndsAt

	if payment.NotifiedAt == nil {
		decision.Notification = e.notificationFor(decision, sub, payment)
		payment.NotifiedAt = &now
	}

	if err := tx.Save(payment).Error; err != nil {
		return nil, err
	}
	if err := tx.Save(sub).Error; err != nil {
		return nil, err
	}

	e.audit.Info("Payment failure handled",
		zap.Uint("subscription_id", sub.ID),
		zap.Uint("payment_id", payment.ID),
		zap.Int("consecutive_failures", n),
		zap.String("action", string(decision.Action)),
		zap.Int("retry_count", payment.RetryCount),
		zap.Timep("next_retry_at", payment.NextRetryAt),
		zap.Timep("grace_period_ends_at", sub.GracePeriodEndsAt))

	return decision, nil
}

func (e *RetryEngine) scheduleRetry(payment *models.Payment, now time.Time, n int) {
	at := now.Add(e.retryOffset(n))
	payment.NextRetryAt = &at
}

func (e *RetryEngine) notificationFor(d *RetryDecision, sub *models.Subscription, payment *models.Payment) *Notification {
	n := &Notification{
		UserID:            sub.UserID,
		SubscriptionID:    sub.ID,
		PaymentID:         payment.ID,
		PlanName:          sub.PlanName,
		Amount:            payment.Amount,
		Currency:          payment.Currency,
		Reason:            payment.FailureReason,
		NextRetryAt:       d.NextRetryAt,
		GracePeriodEndsAt: d.GracePeriodEndsAt,
	}
	switch {
	case d.Action == RetryActionDowngraded:
		n.Kind = NotificationDowngraded
		n.Reason = models.DowngradeReasonPaymentFailure
	case d.Action == RetryActionScheduled && d.ConsecutiveFailures > 1:
		n.Kind = NotificationRetryScheduled
	default:
		n.Kind = NotificationPaymentFailed
	}
	return n
}

// ForceDowngrade moves sub to the free tier: plan FREE, amount 0, status
// ACTIVE, the user's plan FREE and the mandate CANCELLED. The cancelled
// mandate is returned so the caller can stop it at the gateway after commit.
func (e *RetryEngine) ForceDowngrade(tx *gorm.DB, sub *models.Subscription, reason string, now time.Time) (*models.CreditAuthorization, error) {
	previous := sub.PlanID
	free, _ := models.LookupPlan(models.PlanFree)

	sub.PlanID = models.PlanFree
	sub.PlanName = free.Name
	sub.Amount = 0
	sub.Status = models.SubscriptionStatusActive
	sub.GracePeriodEndsAt = nil
	sub.CancelAtPeriodEnd = false
	sub.DowngradedAt = &now
	sub.DowngradeReason = reason
	sub.ClearPendingChange()

	if err := tx.Save(sub).Error; err != nil {
		return nil, err
	}
	if err := setUserPlan(tx, sub.UserID, models.PlanFree); err != nil {
		return nil, err
	}
	if err := clearPendingRetries(tx, sub.ID); err != nil {
		return nil, err
	}
	cancelled, err := cancelAuthorization(tx, sub.AuthID, now)
	if err != nil {
		return nil, err
	}

	e.deps.Metrics.ObserveDowngrade(reason)
	e.audit.Warn("Subscription downgraded to free tier",
		zap.Uint("subscription_id", sub.ID),
		zap.String("user_id", sub.UserID),
		zap.String("previous_plan", string(previous)),
		zap.String("reason", reason))
	return cancelled, nil
}

// DowngradeExpired force-downgrades one PAST_DUE subscription whose grace
// period has ended. It is a no-op when the subscription recovered meanwhile.
func (e *RetryEngine) DowngradeExpired(ctx context.Context, subscriptionID uint) error {
	now := e.deps.now()
	after := &afterCommit{}

	err := e.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.First(&sub, subscriptionID).Error; err != nil {
			return err
		}
		if sub.Status != models.SubscriptionStatusPastDue || sub.GracePeriodEndsAt == nil || now.Before(*sub.GracePeriodEndsAt) {
			return nil
		}
		cancelled, err := e.ForceDowngrade(tx, &sub, models.DowngradeReasonPaymentFailure, now)
		if err != nil {
			return err
		}
		after.cancel(cancelled)
		after.touch(sub.UserID)
		after.notify(Notification{
			Kind:           NotificationDowngraded,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			PlanName:       sub.PlanName,
			Currency:       sub.Currency,
			Reason:         models.DowngradeReasonPaymentFailure,
		})
		return nil
	})
	if err != nil {
		return err
	}
	after.run(ctx, e.deps)
	return nil
}

// ExpiredGracePeriods lists PAST_DUE subscriptions whose grace period ended.
func (e *RetryEngine) ExpiredGracePeriods(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := e.deps.DB.WithContext(ctx).Model(&models.Subscription{}).
		Where("status = ? AND grace_period_ends_at IS NOT NULL AND grace_period_ends_at <= ?",
			models.SubscriptionStatusPastDue, e.deps.now()).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

// DueRetries lists FAILED payments whose retry time has come.
func (e *RetryEngine) DueRetries(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := e.deps.DB.WithContext(ctx).Model(&models.Payment{}).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? AND retry_count < max_retries",
			models.PaymentStatusFailed, e.deps.now()).
		Order("next_retry_at").
		Pluck("id", &ids).Error
	return ids, err
}

// RetryPayment asks the gateway to charge the mandate behind a failed
// payment again. The outcome arrives later as a billing callback; on a
// gateway error nothing is changed and ErrGateway is returned.
func (e *RetryEngine) RetryPayment(ctx context.Context, paymentID uint) error {
	db := e.deps.DB.WithContext(ctx)

	var payment models.Payment
	if err := db.First(&payment, paymentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: payment %d", ErrNotFound, paymentID)
		}
		return err
	}
	if payment.Status != models.PaymentStatusFailed {
		return fmt.Errorf("%w: payment %d is %s", ErrInvalidTransition, paymentID, payment.Status)
	}

	var sub models.Subscription
	if err := db.First(&sub, payment.SubscriptionID).Error; err != nil {
		return err
	}
	if !sub.Status.Live() || sub.AuthID == nil {
		return fmt.Errorf("%w: subscription %d is %s", ErrInvalidTransition, sub.ID, sub.Status)
	}

	var auth models.CreditAuthorization
	if err := db.First(&auth, *sub.AuthID).Error; err != nil {
		return err
	}
	if auth.Status != models.AuthorizationStatusActive {
		return fmt.Errorf("%w: authorization %d is %s", ErrInvalidTransition, auth.ID, auth.Status)
	}

	if _, err := e.deps.Gateway.ReAuth(ctx, auth.MerchantTradeNo); err != nil {
		e.logger.Warn("Retry charge failed at gateway",
			zap.Uint("payment_id", paymentID),
			zap.String("merchant_trade_no", auth.MerchantTradeNo),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}

	now := e.deps.now()
	if err := db.Model(&payment).Updates(map[string]interface{}{
		"next_retry_at": nil,
		"retried_at":    now,
	}).Error; err != nil {
		return err
	}

	e.audit.Info("Retry charge requested",
		zap.Uint("payment_id", paymentID),
		zap.Uint("subscription_id", sub.ID),
		zap.Int("retry_count", payment.RetryCount))
	return nil
}
