package models

import (
	"database/sql/driver"
	"time"
)

// SubscriptionStatus is the billing state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue   SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusUnpaid    SubscriptionStatus = "UNPAID"
	SubscriptionStatusTrialing  SubscriptionStatus = "TRIALING"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCancelled,
		SubscriptionStatusUnpaid, SubscriptionStatusTrialing:
		return true
	}
	return false
}

func (s *SubscriptionStatus) Scan(src interface{}) error {
	return scanEnum(s, src, SubscriptionStatus.Valid)
}

func (s SubscriptionStatus) Value() (driver.Value, error) { return string(s), nil }

// Live reports whether the subscription still bills (ACTIVE or PAST_DUE).
func (s SubscriptionStatus) Live() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusPastDue
}

// LiveSubscriptionStatuses is the non-terminal set; a user has at most one.
var LiveSubscriptionStatuses = []SubscriptionStatus{SubscriptionStatusActive, SubscriptionStatusPastDue}

// Downgrade reasons.
const (
	DowngradeReasonPaymentFailure = "payment_failure"
	DowngradeReasonScheduled      = "scheduled_downgrade"
)

// Subscription is the billable relationship between a user and a plan.
type Subscription struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID        string               `gorm:"type:varchar(36);index;not null" json:"user_id"`
	AuthID        *uint                `gorm:"index" json:"auth_id"`
	Authorization *CreditAuthorization `gorm:"foreignKey:AuthID" json:"-"`

	PlanID       PlanID             `gorm:"type:varchar(20);not null" json:"plan_id"`
	PlanName     string             `gorm:"type:varchar(100)" json:"plan_name"`
	BillingCycle BillingCycle       `gorm:"type:varchar(10);not null" json:"billing_cycle"`
	Amount       int64              `json:"amount"`
	Currency     string             `gorm:"type:varchar(3);default:'TWD'" json:"currency"`
	Status       SubscriptionStatus `gorm:"type:varchar(20);index;not null" json:"status"`

	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `gorm:"index" json:"current_period_end"`

	CancelAtPeriodEnd  bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CancelledAt        *time.Time `json:"cancelled_at"`
	CancellationReason string     `gorm:"type:text" json:"cancellation_reason,omitempty"`
	GracePeriodEndsAt  *time.Time `gorm:"index" json:"grace_period_ends_at"`

	// Scheduled plan change, applied at PendingChangeEffectiveAt
	PendingPlanID            *PlanID       `gorm:"type:varchar(20)" json:"pending_plan_id,omitempty"`
	PendingBillingCycle      *BillingCycle `gorm:"type:varchar(10)" json:"pending_billing_cycle,omitempty"`
	PendingChangeEffectiveAt *time.Time    `gorm:"index" json:"pending_change_effective_at,omitempty"`

	DowngradedAt    *time.Time `json:"downgraded_at,omitempty"`
	DowngradeReason string     `gorm:"type:varchar(50)" json:"downgrade_reason,omitempty"`

	Payments []Payment `gorm:"constraint:OnDelete:CASCADE" json:"payments,omitempty"`
}

// HasPendingChange reports whether a plan change is queued.
func (s *Subscription) HasPendingChange() bool {
	return s.PendingPlanID != nil
}

// ClearPendingChange drops any queued plan change.
func (s *Subscription) ClearPendingChange() {
	s.PendingPlanID = nil
	s.PendingBillingCycle = nil
	s.PendingChangeEffectiveAt = nil
}
