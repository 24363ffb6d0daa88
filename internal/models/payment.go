package models

import (
	"database/sql/driver"
	"time"

	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusSuccess   PaymentStatus = "SUCCESS"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusPending, PaymentStatusCancelled:
		return true
	}
	return false
}

func (s *PaymentStatus) Scan(src interface{}) error { return scanEnum(s, src, PaymentStatus.Valid) }

func (s PaymentStatus) Value() (driver.Value, error) { return string(s), nil }

// Payment is one billing attempt reported by the gateway. Rows are never
// modified once SUCCESS.
type Payment struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SubscriptionID uint  `gorm:"index;not null" json:"subscription_id"`
	AuthID         *uint `gorm:"index" json:"auth_id"`

	GatewayTransactionRef string        `gorm:"type:varchar(64);uniqueIndex;not null" json:"gateway_transaction_ref"`
	Amount                int64         `json:"amount"`
	Currency              string        `gorm:"type:varchar(3);default:'TWD'" json:"currency"`
	Status                PaymentStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	FailureReason         string        `gorm:"type:text" json:"failure_reason,omitempty"`

	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `gorm:"index" json:"next_retry_at"`
	RetriedAt   *time.Time `json:"retried_at,omitempty"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`

	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	ProcessedAt time.Time `gorm:"index" json:"processed_at"`

	RawGatewayResponse datatypes.JSON `json:"raw_gateway_response,omitempty"`
}

// RetriesExhausted reports whether no further automatic retry may be scheduled.
func (p *Payment) RetriesExhausted() bool {
	return p.RetryCount >= p.MaxRetries
}
