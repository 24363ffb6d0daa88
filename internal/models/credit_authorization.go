package models

import (
	"database/sql/driver"
	"time"
)

// AuthorizationStatus is the lifecycle state of a recurring card mandate.
type AuthorizationStatus string

const (
	AuthorizationStatusPending   AuthorizationStatus = "PENDING"
	AuthorizationStatusActive    AuthorizationStatus = "ACTIVE"
	AuthorizationStatusFailed    AuthorizationStatus = "FAILED"
	AuthorizationStatusCancelled AuthorizationStatus = "CANCELLED"
	AuthorizationStatusExpired   AuthorizationStatus = "EXPIRED"
)

func (s AuthorizationStatus) Valid() bool {
	switch s {
	case AuthorizationStatusPending, AuthorizationStatusActive, AuthorizationStatusFailed,
		AuthorizationStatusCancelled, AuthorizationStatusExpired:
		return true
	}
	return false
}

func (s *AuthorizationStatus) Scan(src interface{}) error {
	return scanEnum(s, src, AuthorizationStatus.Valid)
}

func (s AuthorizationStatus) Value() (driver.Value, error) { return string(s), nil }

var authorizationTransitions = map[AuthorizationStatus][]AuthorizationStatus{
	AuthorizationStatusPending: {AuthorizationStatusActive, AuthorizationStatusFailed},
	AuthorizationStatusActive:  {AuthorizationStatusCancelled},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s AuthorizationStatus) CanTransitionTo(next AuthorizationStatus) bool {
	for _, allowed := range authorizationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PeriodType is the mandate's billing period unit.
type PeriodType string

const (
	PeriodTypeMonth PeriodType = "MONTH"
	PeriodTypeYear  PeriodType = "YEAR"
)

func (p PeriodType) Valid() bool { return p == PeriodTypeMonth || p == PeriodTypeYear }

func (p *PeriodType) Scan(src interface{}) error { return scanEnum(p, src, PeriodType.Valid) }

func (p PeriodType) Value() (driver.Value, error) { return string(p), nil }

// GatewayCode is the single-letter PeriodType the gateway expects.
func (p PeriodType) GatewayCode() string {
	if p == PeriodTypeYear {
		return "Y"
	}
	return "M"
}

// Next advances t by one period.
func (p PeriodType) Next(t time.Time) time.Time {
	if p == PeriodTypeYear {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// CreditAuthorization is one recurring-payment mandate granted by a cardholder.
type CreditAuthorization struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID           string `gorm:"type:varchar(36);index;not null" json:"user_id"`
	MerchantMemberID string `gorm:"type:varchar(30);uniqueIndex;not null" json:"merchant_member_id"`
	MerchantTradeNo  string `gorm:"type:varchar(20);uniqueIndex;not null" json:"merchant_trade_no"`

	GatewayTransactionRef string `gorm:"type:varchar(64)" json:"gateway_transaction_ref"`
	AuthCode              string `gorm:"type:varchar(32)" json:"auth_code"`

	PlanID       PlanID       `gorm:"type:varchar(20);not null" json:"plan_id"`
	BillingCycle BillingCycle `gorm:"type:varchar(10);not null" json:"billing_cycle"`
	Amount       int64        `json:"amount"`
	PeriodType   PeriodType   `gorm:"type:varchar(10);not null" json:"period_type"`
	Frequency    int          `json:"frequency"`
	PeriodAmount int64        `json:"period_amount"`
	ExecTimesCap int          `json:"exec_times_cap"`
	ExecTimes    int          `json:"exec_times"`

	CardLast4 string `gorm:"type:varchar(4)" json:"card_last4"`
	CardBrand string `gorm:"type:varchar(20)" json:"card_brand"`

	Status        AuthorizationStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	FailureReason string              `gorm:"type:text" json:"failure_reason,omitempty"`
	AuthDate      *time.Time          `json:"auth_date"`
	NextPayDate   *time.Time          `json:"next_pay_date"`
	CancelledAt   *time.Time          `json:"cancelled_at"`
}
