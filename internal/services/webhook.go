package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"coaching_billing_echo/internal/models"
)

// errDuplicateDelivery marks a billing callback whose gwsr was already recorded.
var errDuplicateDelivery = errors.New("duplicate delivery")

// WebhookService verifies and applies gateway callbacks.
type WebhookService struct {
	deps   Deps
	retry  *RetryEngine
	logger *zap.Logger
	audit  *zap.Logger
}

func NewWebhookService(d Deps, retry *RetryEngine) *WebhookService {
	d = d.withDefaults()
	return &WebhookService{deps: d, retry: retry, logger: d.Logger.Named("webhook"), audit: d.audit()}
}

// ProcessAuthorization handles a raw authorization callback form and always
// returns an acknowledgement, never an error.
func (s *WebhookService) ProcessAuthorization(ctx context.Context, form map[string]string, remoteIP string) (ack WebhookAck) {
	defer s.recoverAck(models.WebhookKindAuthorization, &ack)

	if !s.authentic(form, models.WebhookKindAuthorization, remoteIP) {
		return s.observe(models.WebhookKindAuthorization, AckError)
	}
	cb, err := ParseAuthCallback(form)
	if err != nil {
		s.logger.Warn("Malformed authorization callback", zap.Error(err), zap.String("remote_ip", remoteIP))
		return s.observe(models.WebhookKindAuthorization, AckInvalidRequest)
	}

	err = s.HandleAuthCallback(ctx, cb)
	ack = ackFor(err)
	if err != nil {
		s.logger.Warn("Authorization callback rejected",
			zap.String("merchant_member_id", cb.MerchantMemberID),
			zap.String("ack", string(ack)),
			zap.Error(err))
		s.recordOutcome(ctx, models.WebhookKindAuthorization, cb.MerchantMemberID, cb.Gwsr, cb.RtnCode, ack, form)
	}
	return s.observe(models.WebhookKindAuthorization, ack)
}

// ProcessBilling handles a raw periodic billing callback form and always
// returns an acknowledgement, never an error.
func (s *WebhookService) ProcessBilling(ctx context.Context, form map[string]string, remoteIP string) (ack WebhookAck) {
	defer s.recoverAck(models.WebhookKindBilling, &ack)

	if !s.authentic(form, models.WebhookKindBilling, remoteIP) {
		return s.observe(models.WebhookKindBilling, AckError)
	}
	cb, err := ParseBillingCallback(form)
	if err != nil {
		s.logger.Warn("Malformed billing callback", zap.Error(err), zap.String("remote_ip", remoteIP))
		return s.observe(models.WebhookKindBilling, AckInvalidRequest)
	}

	err = s.HandleBillingCallback(ctx, cb)
	ack = ackFor(err)
	if err != nil {
		s.logger.Warn("Billing callback rejected",
			zap.String("merchant_member_id", cb.MerchantMemberID),
			zap.String("gwsr", cb.Gwsr),
			zap.String("ack", string(ack)),
			zap.Error(err))
		s.recordOutcome(ctx, models.WebhookKindBilling, cb.MerchantMemberID, cb.Gwsr, cb.RtnCode, ack, form)
	}
	return s.observe(models.WebhookKindBilling, ack)
}

// authentic checks the signature and the merchant id. Nothing about the
// expected signature is logged.
func (s *WebhookService) authentic(form map[string]string, kind models.WebhookKind, remoteIP string) bool {
	if !s.deps.Signer.Verify(form) {
		s.logger.Warn("Callback signature verification failed",
			zap.String("kind", string(kind)),
			zap.String("merchant_member_id", form["MerchantMemberID"]),
			zap.String("remote_ip", remoteIP))
		return false
	}
	if form["MerchantID"] != s.deps.Config.ECPay.MerchantID {
		s.logger.Warn("Callback for unexpected merchant",
			zap.String("kind", string(kind)),
			zap.String("merchant_id", form["MerchantID"]),
			zap.String("remote_ip", remoteIP))
		return false
	}
	return true
}

func (s *WebhookService) recoverAck(kind models.WebhookKind, ack *WebhookAck) {
	if r := recover(); r != nil {
		s.logger.Error("Panic while processing callback", zap.String("kind", string(kind)), zap.Any("panic", r))
		*ack = s.observe(kind, AckError)
	}
}

func (s *WebhookService) observe(kind models.WebhookKind, ack WebhookAck) WebhookAck {
	s.deps.Metrics.ObserveWebhook(string(kind), string(ack))
	return ack
}

func ackFor(err error) WebhookAck {
	switch {
	case err == nil:
		return AckOK
	case errors.Is(err, ErrValidation):
		return AckInvalidRequest
	case errors.Is(err, ErrNotFound):
		return AckNotFound
	case errors.Is(err, ErrInvalidTransition):
		return AckInvalidState
	}
	return AckError
}

func webhookLog(kind models.WebhookKind, memberID, gwsr, rtnCode string, ack WebhookAck, form map[string]string) *models.WebhookLog {
	payload, _ := json.Marshal(form)
	return &models.WebhookLog{
		Kind:                  kind,
		MerchantMemberID:      memberID,
		GatewayTransactionRef: gwsr,
		RtnCode:               rtnCode,
		Ack:                   string(ack),
		Payload:               datatypes.JSON(payload),
	}
}

// recordOutcome keeps an audit row for verified callbacks whose transaction
// did not commit.
func (s *WebhookService) recordOutcome(ctx context.Context, kind models.WebhookKind, memberID, gwsr, rtnCode string, ack WebhookAck, form map[string]string) {
	if err := s.deps.DB.WithContext(ctx).Create(webhookLog(kind, memberID, gwsr, rtnCode, ack, form)).Error; err != nil {
		s.logger.Error("Failed to write webhook log", zap.Error(err))
	}
}

func (s *WebhookService) findAuthorization(tx *gorm.DB, memberID, tradeNo string) (*models.CreditAuthorization, error) {
	var auth models.CreditAuthorization
	q := tx.Where("merchant_member_id = ?", memberID)
	if memberID == "" {
		q = tx.Where("merchant_trade_no = ?", tradeNo)
	}
	if err := q.First(&auth).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: authorization %s%s", ErrNotFound, memberID, tradeNo)
		}
		return nil, err
	}
	return &auth, nil
}

// HandleAuthCallback applies a verified authorization result. A redelivery
// with the outcome already recorded is a no-op.
func (s *WebhookService) HandleAuthCallback(ctx context.Context, cb *AuthCallback) error {
	now := s.deps.now()
	after := &afterCommit{}

	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auth, err := s.findAuthorization(tx, cb.MerchantMemberID, cb.MerchantTradeNo)
		if err != nil {
			return err
		}
		if cb.MerchantMemberID == "" {
			cb.MerchantMemberID = auth.MerchantMemberID
		}

		outcome := models.AuthorizationStatusFailed
		if cb.Succeeded() {
			outcome = models.AuthorizationStatusActive
		}

		if auth.Status == outcome {
			s.logger.Info("Authorization callback already applied",
				zap.Uint("authorization_id", auth.ID),
				zap.String("status", string(auth.Status)))
			return tx.Create(webhookLog(models.WebhookKindAuthorization, cb.MerchantMemberID, cb.Gwsr, cb.RtnCode, AckOK, cb.Raw)).Error
		}
		if !auth.Status.CanTransitionTo(outcome) {
			return fmt.Errorf("%w: authorization %d is %s", ErrInvalidTransition, auth.ID, auth.Status)
		}

		if outcome == models.AuthorizationStatusFailed {
			auth.Status = models.AuthorizationStatusFailed
			auth.FailureReason = cb.RtnMsg
			if err := tx.Save(auth).Error; err != nil {
				return err
			}
		} else if err := s.activate(tx, auth, cb, now, after); err != nil {
			return err
		}

		s.audit.Info("Authorization callback applied",
			zap.Uint("authorization_id", auth.ID),
			zap.String("user_id", auth.UserID),
			zap.String("status", string(auth.Status)),
			zap.String("rtn_code", cb.RtnCode))

		return tx.Create(webhookLog(models.WebhookKindAuthorization, cb.MerchantMemberID, cb.Gwsr, cb.RtnCode, AckOK, cb.Raw)).Error
	})
	if err != nil {
		return err
	}
	after.run(ctx, s.deps)
	return nil
}

func (s *WebhookService) activate(tx *gorm.DB, auth *models.CreditAuthorization, cb *AuthCallback, now time.Time, after *afterCommit) error {
	today := startOfDay(now)
	next := auth.PeriodType.Next(today)

	auth.Status = models.AuthorizationStatusActive
	auth.GatewayTransactionRef = cb.Gwsr
	auth.AuthCode = cb.AuthCode
	auth.CardLast4 = cb.Card4No
	auth.CardBrand = cardBrand(cb.Card6No)
	auth.AuthDate = &now
	auth.NextPayDate = &next
	if err := tx.Save(auth).Error; err != nil {
		return err
	}

	// Any subscription still live for this user is replaced by the new one,
	// including one activated moments ago from an older checkout.
	var leftovers []models.Subscription
	if err := tx.Where("user_id = ? AND status IN ?", auth.UserID, models.LiveSubscriptionStatuses).
		Find(&leftovers).Error; err != nil {
		return err
	}
	for i := range leftovers {
		old := &leftovers[i]
		old.Status = models.SubscriptionStatusCancelled
		old.CancelledAt = &now
		old.CancellationReason = "replaced"
		old.GracePeriodEndsAt = nil
		old.ClearPendingChange()
		if err := tx.Save(old).Error; err != nil {
			return err
		}
		if err := clearPendingRetries(tx, old.ID); err != nil {
			return err
		}
		if old.AuthID != nil && *old.AuthID != auth.ID {
			cancelled, err := cancelAuthorization(tx, old.AuthID, now)
			if err != nil {
				return err
			}
			after.cancel(cancelled)
		}
	}

	plan, _ := models.LookupPlan(auth.PlanID)
	authID := auth.ID
	sub := models.Subscription{
		UserID:             auth.UserID,
		AuthID:             &authID,
		PlanID:             auth.PlanID,
		PlanName:           plan.Name,
		BillingCycle:       auth.BillingCycle,
		Amount:             auth.Amount,
		Currency:           s.deps.Config.Billing.Currency,
		Status:             models.SubscriptionStatusActive,
		CurrentPeriodStart: today,
		CurrentPeriodEnd:   auth.BillingCycle.AddTo(today),
	}
	if err := tx.Create(&sub).Error; err != nil {
		return err
	}
	if err := setUserPlan(tx, auth.UserID, auth.PlanID); err != nil {
		return err
	}

	after.touch(auth.UserID)
	return nil
}

// billable reports whether sub may still be charged through auth. A FREE
// subscription keeps its mandate reference after a forced downgrade.
func billable(sub *models.Subscription, auth *models.CreditAuthorization) bool {
	return sub.Status.Live() && sub.PlanID != models.PlanFree &&
		sub.AuthID != nil && *sub.AuthID == auth.ID
}

// HandleBillingCallback applies a verified periodic billing result. The gwsr
// is the idempotency key: a known gwsr is acknowledged without changes.
func (s *WebhookService) HandleBillingCallback(ctx context.Context, cb *BillingCallback) error {
	now := s.deps.now()
	after := &afterCommit{}
	var paymentStatus models.PaymentStatus

	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auth, err := s.findAuthorization(tx, cb.MerchantMemberID, "")
		if err != nil {
			return err
		}

		var seen int64
		if err := tx.Model(&models.Payment{}).Where("gateway_transaction_ref = ?", cb.Gwsr).Count(&seen).Error; err != nil {
			return err
		}
		if seen > 0 {
			return errDuplicateDelivery
		}
		if auth.Status != models.AuthorizationStatusActive {
			return fmt.Errorf("%w: authorization %d is %s", ErrInvalidTransition, auth.ID, auth.Status)
		}

		var sub models.Subscription
		if err := tx.Where("auth_id = ?", auth.ID).Order("id DESC").First(&sub).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no subscription for authorization %d", ErrNotFound, auth.ID)
			}
			return err
		}
		if !billable(&sub, auth) {
			return fmt.Errorf("%w: subscription %d is %s on %s", ErrInvalidTransition, sub.ID, sub.Status, sub.PlanID)
		}

		amount := sub.Amount
		if cb.HasAmount {
			amount = MajorToMinor(cb.Amount)
		}
		raw, _ := json.Marshal(cb.Raw)
		periodStart := sub.CurrentPeriodEnd
		periodEnd := sub.BillingCycle.AddTo(periodStart)
		authID := auth.ID

		payment := models.Payment{
			SubscriptionID:        sub.ID,
			AuthID:                &authID,
			GatewayTransactionRef: cb.Gwsr,
			Amount:                amount,
			Currency:              sub.Currency,
			MaxRetries:            s.deps.Config.Billing.MaxRetries,
			PeriodStart:           periodStart,
			PeriodEnd:             periodEnd,
			ProcessedAt:           now,
			RawGatewayResponse:    datatypes.JSON(raw),
		}

		if cb.Succeeded() {
			payment.Status = models.PaymentStatusSuccess
			payment.NotifiedAt = &now
		} else {
			payment.Status = models.PaymentStatusFailed
			payment.FailureReason = cb.RtnMsg
		}
		if err := tx.Create(&payment).Error; err != nil {
			if isUniqueViolation(err) {
				return errDuplicateDelivery
			}
			return err
		}
		paymentStatus = payment.Status

		if cb.Succeeded() {
			if err := s.applySuccess(tx, auth, &sub, &payment, cb, now, after); err != nil {
				return err
			}
		} else {
			decision, err := s.retry.HandleFailure(tx, &sub, &payment, now)
			if err != nil {
				return err
			}
			if decision.Notification != nil {
				after.notify(*decision.Notification)
			}
			after.cancel(decision.CancelledMandate)
		}
		after.touch(sub.UserID)

		return tx.Create(webhookLog(models.WebhookKindBilling, cb.MerchantMemberID, cb.Gwsr, cb.RtnCode, AckOK, cb.Raw)).Error
	})

	if errors.Is(err, errDuplicateDelivery) {
		s.logger.Info("Duplicate billing callback acknowledged", zap.String("gwsr", cb.Gwsr))
		s.recordOutcome(ctx, models.WebhookKindBilling, cb.MerchantMemberID, cb.Gwsr, cb.RtnCode, AckOK, cb.Raw)
		return nil
	}
	if err != nil {
		return err
	}

	s.deps.Metrics.ObservePayment(string(paymentStatus))
	after.run(ctx, s.deps)
	return nil
}

func (s *WebhookService) applySuccess(tx *gorm.DB, auth *models.CreditAuthorization, sub *models.Subscription, payment *models.Payment, cb *BillingCallback, now time.Time, after *afterCommit) error {
	sub.CurrentPeriodStart = payment.PeriodStart
	sub.CurrentPeriodEnd = payment.PeriodEnd
	sub.Status = models.SubscriptionStatusActive
	sub.GracePeriodEndsAt = nil
	if err := tx.Save(sub).Error; err != nil {
		return err
	}
	if err := clearPendingRetries(tx, sub.ID); err != nil {
		return err
	}

	base := startOfDay(now)
	if auth.NextPayDate != nil {
		base = *auth.NextPayDate
	}
	next := auth.PeriodType.Next(base)
	auth.NextPayDate = &next
	auth.ExecTimes++
	if cb.AuthCode != "" {
		auth.AuthCode = cb.AuthCode
	}
	if err := tx.Save(auth).Error; err != nil {
		return err
	}

	s.audit.Info("Recurring payment succeeded",
		zap.Uint("subscription_id", sub.ID),
		zap.Uint("payment_id", payment.ID),
		zap.String("gwsr", payment.GatewayTransactionRef),
		zap.Int64("amount", payment.Amount),
		zap.Time("current_period_end", sub.CurrentPeriodEnd))

	after.notify(Notification{
		Kind:           NotificationPaymentSucceeded,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		PaymentID:      payment.ID,
		PlanName:       sub.PlanName,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
	})
	return nil
}
