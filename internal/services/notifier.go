package services

import (
	"context"
	"time"
)

type NotificationKind string

const (
	NotificationPaymentSucceeded NotificationKind = "payment_succeeded"
	NotificationPaymentFailed    NotificationKind = "payment_failed"
	NotificationRetryScheduled   NotificationKind = "retry_scheduled"
	NotificationDowngraded       NotificationKind = "downgraded"
	NotificationCancelled        NotificationKind = "cancelled"
)

// Notification is a billing event addressed to one user.
type Notification struct {
	Kind              NotificationKind `json:"kind"`
	UserID            string           `json:"user_id"`
	SubscriptionID    uint             `json:"subscription_id"`
	PaymentID         uint             `json:"payment_id,omitempty"`
	PlanName          string           `json:"plan_name"`
	Amount            int64            `json:"amount"`
	Currency          string           `json:"currency"`
	Reason            string           `json:"reason,omitempty"`
	NextRetryAt       *time.Time       `json:"next_retry_at,omitempty"`
	GracePeriodEndsAt *time.Time       `json:"grace_period_ends_at,omitempty"`
}

// Notifier delivers billing notifications. Implementations may queue.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }
