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

// SubscriptionView is the read model exposed to end users.
type SubscriptionView struct {
	UserID                   string                    `json:"user_id"`
	Plan                     models.PlanID             `json:"plan"`
	SubscriptionID           uint                      `json:"subscription_id,omitempty"`
	PlanName                 string                    `json:"plan_name,omitempty"`
	BillingCycle             models.BillingCycle       `json:"billing_cycle,omitempty"`
	Amount                   int64                     `json:"amount"`
	Currency                 string                    `json:"currency,omitempty"`
	Status                   models.SubscriptionStatus `json:"status,omitempty"`
	CurrentPeriodStart       *time.Time                `json:"current_period_start,omitempty"`
	CurrentPeriodEnd         *time.Time                `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd        bool                      `json:"cancel_at_period_end"`
	GracePeriodEndsAt        *time.Time                `json:"grace_period_ends_at,omitempty"`
	PendingPlanID            *models.PlanID            `json:"pending_plan_id,omitempty"`
	PendingBillingCycle      *models.BillingCycle      `json:"pending_billing_cycle,omitempty"`
	PendingChangeEffectiveAt *time.Time                `json:"pending_change_effective_at,omitempty"`
	CardLast4                string                    `json:"card_last4,omitempty"`
	CardBrand                string                    `json:"card_brand,omitempty"`
	NextPayDate              *time.Time                `json:"next_pay_date,omitempty"`
}

// PlanChangeResult reports an upgrade (applied now) or a downgrade (queued).
type PlanChangeResult struct {
	SubscriptionID            uint                `json:"subscription_id"`
	FromPlan                  models.PlanID       `json:"from_plan"`
	ToPlan                    models.PlanID       `json:"to_plan"`
	BillingCycle              models.BillingCycle `json:"billing_cycle"`
	RemainingDays             int                 `json:"remaining_days"`
	TotalDays                 int                 `json:"total_days"`
	CurrentPlanRemainingValue int64               `json:"current_plan_remaining_value"`
	NewPlanProratedCost       int64               `json:"new_plan_prorated_cost"`
	NetCharge                 int64               `json:"net_charge"`
	EffectiveAt               time.Time           `json:"effective_at"`
	Immediate                 bool                `json:"immediate"`
}

// CancelResult reports a cancellation. RefundAmount is informational; no
// refund is captured.
type CancelResult struct {
	SubscriptionID    uint                      `json:"subscription_id"`
	Status            models.SubscriptionStatus `json:"status"`
	Immediate         bool                      `json:"immediate"`
	EffectiveAt       time.Time                 `json:"effective_at"`
	RefundAmount      int64                     `json:"refund_amount"`
	CancelAtPeriodEnd bool                      `json:"cancel_at_period_end"`
}

// SubscriptionService owns plan changes, cancellation and reactivation.
type SubscriptionService struct {
	deps   Deps
	retry  *RetryEngine
	logger *zap.Logger
	audit  *zap.Logger
}

func NewSubscriptionService(d Deps, retry *RetryEngine) *SubscriptionService {
	d = d.withDefaults()
	return &SubscriptionService{deps: d, retry: retry, logger: d.Logger.Named("subscription"), audit: d.audit()}
}

// Current returns the read model for userID. Users without a subscription
// get a view carrying only their plan tier.
func (s *SubscriptionService) Current(ctx context.Context, userID string) (*SubscriptionView, error) {
	return s.deps.Cache.Current(ctx, userID, func() (*SubscriptionView, error) {
		return s.loadView(ctx, userID)
	})
}

func (s *SubscriptionService) loadView(ctx context.Context, userID string) (*SubscriptionView, error) {
	db := s.deps.DB.WithContext(ctx)

	var user models.User
	if err := db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return nil, err
	}
	view := &SubscriptionView{UserID: userID, Plan: user.Plan}

	var sub models.Subscription
	err := db.Preload("Authorization").
		Where("user_id = ?", userID).
		Order("CASE WHEN status IN ('ACTIVE','PAST_DUE') THEN 0 ELSE 1 END, id DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}

	view.SubscriptionID = sub.ID
	view.PlanName = sub.PlanName
	view.BillingCycle = sub.BillingCycle
	view.Amount = sub.Amount
	view.Currency = sub.Currency
	view.Status = sub.Status
	view.CurrentPeriodStart = &sub.CurrentPeriodStart
	view.CurrentPeriodEnd = &sub.CurrentPeriodEnd
	view.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	view.GracePeriodEndsAt = sub.GracePeriodEndsAt
	view.PendingPlanID = sub.PendingPlanID
	view.PendingBillingCycle = sub.PendingBillingCycle
	view.PendingChangeEffectiveAt = sub.PendingChangeEffectiveAt
	if sub.Authorization != nil && sub.Authorization.Status == models.AuthorizationStatusActive {
		view.CardLast4 = sub.Authorization.CardLast4
		view.CardBrand = sub.Authorization.CardBrand
		view.NextPayDate = sub.Authorization.NextPayDate
	}
	return view, nil
}

// currentPlan resolves the live subscription (nil when none) and the plan
// the user is on right now.
func currentPlan(tx *gorm.DB, userID string) (*models.Subscription, models.PlanID, error) {
	sub, err := findLiveSubscription(tx, userID)
	if err == nil {
		return sub, sub.PlanID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", err
	}
	var user models.User
	if err := tx.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return nil, "", err
	}
	return nil, user.Plan, nil
}

func resolveTarget(target models.PlanID, cycle models.BillingCycle) (models.PlanDefinition, int64, error) {
	plan, ok := models.LookupPlan(target)
	if !ok {
		return plan, 0, fmt.Errorf("%w: unknown plan %q", ErrValidation, target)
	}
	amount, ok := plan.Price(cycle)
	if !ok {
		return plan, 0, fmt.Errorf("%w: unknown billing cycle %q", ErrValidation, cycle)
	}
	return plan, amount, nil
}

// Upgrade moves the user to a strictly higher tier right away and reports the
// prorated net charge for the rest of the current period. An empty cycle
// keeps the subscription's cycle.
func (s *SubscriptionService) Upgrade(ctx context.Context, userID string, target models.PlanID, cycle models.BillingCycle) (*PlanChangeResult, error) {
	now := s.deps.now()
	after := &afterCommit{}
	var result *PlanChangeResult

	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, current, err := currentPlan(tx, userID)
		if err != nil {
			return err
		}
		if target.Valid() && target.Tier() <= current.Tier() {
			return fmt.Errorf("%w: %s is not a higher tier than %s", ErrInvalidTransition, target, current)
		}
		if sub == nil {
			return fmt.Errorf("%w: no active subscription for user %s", ErrNotFound, userID)
		}
		if cycle == "" {
			cycle = sub.BillingCycle
		}
		if cycle != sub.BillingCycle {
			return fmt.Errorf("%w: billing cycle changes take effect at renewal", ErrValidation)
		}
		plan, newAmount, err := resolveTarget(target, cycle)
		if err != nil {
			return err
		}
		if sub.CancelAtPeriodEnd {
			return fmt.Errorf("%w: subscription is set to cancel at period end", ErrInvalidTransition)
		}
		if sub.Status != models.SubscriptionStatusActive || sub.PlanID == models.PlanFree {
			return fmt.Errorf("%w: subscription %d cannot be upgraded in place", ErrInvalidTransition, sub.ID)
		}

		total := daysBetween(sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
		remaining := daysBetween(now, sub.CurrentPeriodEnd)
		remainingValue := ProrateAmount(sub.Amount, remaining, total)
		newCost := ProrateAmount(newAmount, remaining, total)

		result = &PlanChangeResult{
			SubscriptionID:            sub.ID,
			FromPlan:                  sub.PlanID,
			ToPlan:                    target,
			BillingCycle:              cycle,
			RemainingDays:             max(0, min(remaining, total)),
			TotalDays:                 total,
			CurrentPlanRemainingValue: remainingValue,
			NewPlanProratedCost:       newCost,
			NetCharge:                 max(0, newCost-remainingValue),
			EffectiveAt:               now,
			Immediate:                 true,
		}

		sub.PlanID = target
		sub.PlanName = plan.Name
		sub.Amount = newAmount
		sub.ClearPendingChange()
		if err := tx.Save(sub).Error; err != nil {
			return err
		}
		if err := setUserPlan(tx, userID, target); err != nil {
			return err
		}
		after.touch(userID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Info("Subscription upgraded",
		zap.String("user_id", userID),
		zap.Uint("subscription_id", result.SubscriptionID),
		zap.String("from_plan", string(result.FromPlan)),
		zap.String("to_plan", string(result.ToPlan)),
		zap.Int64("net_charge", result.NetCharge))
	after.run(ctx, s.deps)
	return result, nil
}

// Downgrade queues a move to a strictly lower tier at the end of the current
// period. An empty cycle keeps the subscription's cycle.
func (s *SubscriptionService) Downgrade(ctx context.Context, userID string, target models.PlanID, cycle models.BillingCycle) (*PlanChangeResult, error) {
	after := &afterCommit{}
	var result *PlanChangeResult

	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, current, err := currentPlan(tx, userID)
		if err != nil {
			return err
		}
		if target.Valid() && target.Tier() >= current.Tier() {
			return fmt.Errorf("%w: %s is not a lower tier than %s", ErrInvalidTransition, target, current)
		}
		if sub == nil {
			return fmt.Errorf("%w: no active subscription for user %s", ErrNotFound, userID)
		}
		if cycle == "" {
			cycle = sub.BillingCycle
		}
		if _, _, err := resolveTarget(target, cycle); err != nil {
			return err
		}
		if sub.CancelAtPeriodEnd {
			return fmt.Errorf("%w: subscription is set to cancel at period end", ErrInvalidTransition)
		}

		effective := sub.CurrentPeriodEnd
		sub.PendingPlanID = &target
		sub.PendingBillingCycle = &cycle
		sub.PendingChangeEffectiveAt = &effective
		if err := tx.Save(sub).Error; err != nil {
			return err
		}

		result = &PlanChangeResult{
			SubscriptionID: sub.ID,
			FromPlan:       sub.PlanID,
			ToPlan:         target,
			BillingCycle:   cycle,
			EffectiveAt:    effective,
		}
		after.touch(userID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Info("Subscription downgrade scheduled",
		zap.String("user_id", userID),
		zap.Uint("subscription_id", result.SubscriptionID),
		zap.String("to_plan", string(result.ToPlan)),
		zap.Time("effective_at", result.EffectiveAt))
	after.run(ctx, s.deps)
	return result, nil
}

// Cancel ends the subscription now (immediate) or at the end of the period.
func (s *SubscriptionService) Cancel(ctx context.Context, userID string, immediate bool, reason string) (*CancelResult, error) {
	now := s.deps.now()
	after := &afterCommit{}
	var result *CancelResult

	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := findLiveSubscription(tx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no active subscription for user %s", ErrNotFound, userID)
			}
			return err
		}

		result = &CancelResult{SubscriptionID: sub.ID, Immediate: immediate}
		sub.CancellationReason = reason
		sub.ClearPendingChange()

		if immediate {
			total := daysBetween(sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
			remaining := daysBetween(now, sub.CurrentPeriodEnd)
			result.RefundAmount = ProrateAmount(sub.Amount, remaining, total)
			result.EffectiveAt = now

			sub.Status = models.SubscriptionStatusCancelled
			sub.CancelledAt = &now
			sub.CancelAtPeriodEnd = false
			sub.GracePeriodEndsAt = nil
			if err := tx.Save(sub).Error; err != nil {
				return err
			}
			if err := clearPendingRetries(tx, sub.ID); err != nil {
				return err
			}
			if err := setUserPlan(tx, userID, models.PlanFree); err != nil {
				return err
			}
			cancelled, err := cancelAuthorization(tx, sub.AuthID, now)
			if err != nil {
				return err
			}
			after.cancel(cancelled)
		} else {
			sub.CancelAtPeriodEnd = true
			result.EffectiveAt = sub.CurrentPeriodEnd
			if err := tx.Save(sub).Error; err != nil {
				return err
			}
		}

		result.Status = sub.Status
		result.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		after.touch(userID)
		after.notify(Notification{
			Kind:           NotificationCancelled,
			UserID:         userID,
			SubscriptionID: sub.ID,
			PlanName:       sub.PlanName,
			Amount:         result.RefundAmount,
			Currency:       sub.Currency,
			Reason:         reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Info("Subscription cancelled",
		zap.String("user_id", userID),
		zap.Uint("subscription_id", result.SubscriptionID),
		zap.Bool("immediate", immediate),
		zap.String("reason", reason),
		zap.Int64("refund_amount", result.RefundAmount))
	after.run(ctx, s.deps)
	return result, nil
}

// Reactivate withdraws a pending period-end cancellation.
func (s *SubscriptionService) Reactivate(ctx context.Context, userID string) (*SubscriptionView, error) {
	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := findLiveSubscription(tx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no active subscription for user %s", ErrNotFound, userID)
			}
			return err
		}
		if sub.Status != models.SubscriptionStatusActive || !sub.CancelAtPeriodEnd {
			return fmt.Errorf("%w: subscription %d is not pending cancellation", ErrInvalidTransition, sub.ID)
		}
		sub.CancelAtPeriodEnd = false
		sub.CancellationReason = ""
		return tx.Save(sub).Error
	})
	if err != nil {
		return nil, err
	}

	s.audit.Info("Subscription reactivated", zap.String("user_id", userID))
	s.deps.Cache.Invalidate(ctx, userID)
	return s.Current(ctx, userID)
}

// DuePlanChanges lists live subscriptions whose queued plan change is due.
func (s *SubscriptionService) DuePlanChanges(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.deps.DB.WithContext(ctx).Model(&models.Subscription{}).
		Where("status IN ? AND pending_plan_id IS NOT NULL AND pending_change_effective_at <= ?",
			models.LiveSubscriptionStatuses, s.deps.now()).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

// ApplyPlanChange applies the queued plan change of one subscription.
func (s *SubscriptionService) ApplyPlanChange(ctx context.Context, subscriptionID uint) error {
	now := s.deps.now()
	after := &afterCommit{}

	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.First(&sub, subscriptionID).Error; err != nil {
			return err
		}
		if !sub.HasPendingChange() || sub.PendingChangeEffectiveAt == nil || now.Before(*sub.PendingChangeEffectiveAt) {
			return nil
		}

		target := *sub.PendingPlanID
		cycle := sub.BillingCycle
		if sub.PendingBillingCycle != nil {
			cycle = *sub.PendingBillingCycle
		}

		if target == models.PlanFree {
			cancelled, err := s.retry.ForceDowngrade(tx, &sub, models.DowngradeReasonScheduled, now)
			if err != nil {
				return err
			}
			after.cancel(cancelled)
		} else {
			plan, amount, err := resolveTarget(target, cycle)
			if err != nil {
				return err
			}
			sub.PlanID = target
			sub.PlanName = plan.Name
			sub.BillingCycle = cycle
			sub.Amount = amount
			sub.DowngradedAt = &now
			sub.DowngradeReason = models.DowngradeReasonScheduled
			sub.ClearPendingChange()
			if err := tx.Save(&sub).Error; err != nil {
				return err
			}
			if err := setUserPlan(tx, sub.UserID, target); err != nil {
				return err
			}
		}

		s.audit.Info("Scheduled plan change applied",
			zap.Uint("subscription_id", sub.ID),
			zap.String("to_plan", string(target)))
		after.touch(sub.UserID)
		return nil
	})
	if err != nil {
		return err
	}
	after.run(ctx, s.deps)
	return nil
}

// DueCancellations lists ACTIVE subscriptions flagged to cancel whose period has ended.
func (s *SubscriptionService) DueCancellations(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.deps.DB.WithContext(ctx).Model(&models.Subscription{}).
		Where("status IN ? AND cancel_at_period_end = ? AND current_period_end <= ?",
			models.LiveSubscriptionStatuses, true, s.deps.now()).
		Order("id").
		Pluck("id", &ids).Error
	return ids, err
}

// FinalizeCancellation ends one subscription whose period-end cancellation is due.
func (s *SubscriptionService) FinalizeCancellation(ctx context.Context, subscriptionID uint) error {
	now := s.deps.now()
	after := &afterCommit{}

	err := s.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.First(&sub, subscriptionID).Error; err != nil {
			return err
		}
		if !sub.Status.Live() || !sub.CancelAtPeriodEnd || now.Before(sub.CurrentPeriodEnd) {
			return nil
		}

		sub.Status = models.SubscriptionStatusCancelled
		sub.CancelledAt = &now
		sub.CancelAtPeriodEnd = false
		sub.GracePeriodEndsAt = nil
		if err := tx.Save(&sub).Error; err != nil {
			return err
		}
		if err := clearPendingRetries(tx, sub.ID); err != nil {
			return err
		}
		if err := setUserPlan(tx, sub.UserID, models.PlanFree); err != nil {
			return err
		}
		cancelled, err := cancelAuthorization(tx, sub.AuthID, now)
		if err != nil {
			return err
		}
		after.cancel(cancelled)
		after.touch(sub.UserID)

		s.audit.Info("Period-end cancellation finalized",
			zap.Uint("subscription_id", sub.ID),
			zap.String("user_id", sub.UserID))
		return nil
	})
	if err != nil {
		return err
	}
	after.run(ctx, s.deps)
	return nil
}
