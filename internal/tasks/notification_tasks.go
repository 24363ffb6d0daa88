package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"coaching_billing_echo/internal/models"
	"coaching_billing_echo/internal/services"
)

const (
	notificationMaxAttempt = 3
	notificationRetryDelay = 5 * time.Minute
	notificationTimeLayout = "2006/01/02 15:04"
)

var taipei = time.FixedZone("Asia/Taipei", 8*60*60)

type notificationTemplate struct {
	Subject string
	Body    string
}

var notificationTemplates = map[services.NotificationKind]notificationTemplate{
	services.NotificationPaymentSucceeded: {
		Subject: "Payment received for your $plan_name plan",
		Body:    "Hi $name, we received NT$$amount for your $plan_name plan. Thank you!",
	},
	services.NotificationPaymentFailed: {
		Subject: "We could not charge your card",
		Body: "Hi $name, the NT$$amount charge for your $plan_name plan failed ($reason). " +
			"We will try again on $next_retry. Please update your card before $grace_end to keep your plan.",
	},
	services.NotificationRetryScheduled: {
		Subject: "Payment retry scheduled",
		Body:    "Hi $name, your $plan_name payment failed again. The next attempt is on $next_retry. Your plan stays active until $grace_end.",
	},
	services.NotificationDowngraded: {
		Subject: "Your plan was moved to Free",
		Body:    "Hi $name, we could not collect payment for your subscription, so your account is now on the Free plan. You can subscribe again at any time.",
	},
	services.NotificationCancelled: {
		Subject: "Your subscription was cancelled",
		Body:    "Hi $name, your $plan_name subscription was cancelled. We hope to see you again.",
	},
}

// SendNotificationArgs defines the arguments for a notification task
type SendNotificationArgs struct {
	Notification services.Notification `json:"notification"`
	AttemptCount int                   `json:"attempt_count"`
}

// SendNotificationTaskDef delivers one billing notification on the channel
// the user prefers.
type SendNotificationTaskDef struct {
	Email    services.EmailSender
	Whatsapp services.WhatsappSender
	Logger   *zap.Logger
	Now      func() time.Time
}

// TaskID returns the unique identifier for this task
func (t *SendNotificationTaskDef) TaskID() string {
	return "send_notification"
}

// CreateTask builds a ScheduledTask record for this task
func (t *SendNotificationTaskDef) CreateTask(args SendNotificationArgs, due time.Time) (*models.ScheduledTask, error) {
	return BuildScheduledTask(t.TaskID(), args, due, nil, models.ScheduledTaskTypeOneTime, notificationMaxAttempt)
}

// HandleExecution sends the notification. A failed delivery is rescheduled
// as a new task until the attempt budget is spent.
func (t *SendNotificationTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
	var args SendNotificationArgs
	if err := decodeArgs(task, &args); err != nil {
		return nil, err
	}
	n := args.Notification

	var user models.User
	if err := db.WithContext(ctx).Preload("NotifPreference").First(&user, "id = ?", n.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			t.Logger.Warn("Skipping notification for unknown user", zap.String("user_id", n.UserID))
			return map[string]interface{}{"status": "skipped", "reason": "user not found"}, nil
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	channel := models.NotificationChannelEmail
	if user.NotifPreference != nil {
		channel = user.NotifPreference.Channel
	}

	tmpl, ok := notificationTemplates[n.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown notification kind %q", n.Kind)
	}
	subject := replacePlaceholders(tmpl.Subject, &user, n)
	body := replacePlaceholders(tmpl.Body, &user, n)

	var sendErr error
	switch channel {
	case models.NotificationChannelEmail:
		sendErr = t.Email.SendEmail([]string{user.Email}, subject, body)
	case models.NotificationChannelWhatsapp:
		sendErr = t.sendWhatsapp(ctx, &user, body)
	default:
		t.Logger.Info("Notification disabled for user", zap.String("user_id", user.ID), zap.String("kind", string(n.Kind)))
		return map[string]interface{}{"status": "skipped", "channel": string(channel)}, nil
	}

	result := map[string]interface{}{
		"kind":    string(n.Kind),
		"channel": string(channel),
		"attempt": args.AttemptCount,
	}
	if sendErr == nil {
		result["status"] = "sent"
		return result, nil
	}

	result["status"] = "failed"
	result["error"] = sendErr.Error()
	if args.AttemptCount+1 >= task.MaxAttempt {
		t.Logger.Error("Notification delivery gave up",
			zap.String("user_id", user.ID),
			zap.String("kind", string(n.Kind)),
			zap.Int("attempts", args.AttemptCount+1),
			zap.Error(sendErr))
		return result, fmt.Errorf("max attempts reached: %w", sendErr)
	}

	next := args
	next.AttemptCount++
	retry, err := BuildScheduledTask(t.TaskID(), next, t.Now().Add(notificationRetryDelay), nil, models.ScheduledTaskTypeOneTime, task.MaxAttempt)
	if err != nil {
		return result, fmt.Errorf("failed to build retry task: %w", err)
	}
	if err := db.WithContext(ctx).Create(retry).Error; err != nil {
		return result, fmt.Errorf("failed to create retry task: %w", err)
	}
	t.Logger.Warn("Notification delivery failed, rescheduled",
		zap.String("user_id", user.ID),
		zap.String("kind", string(n.Kind)),
		zap.Uint("retry_task_id", retry.ID),
		zap.Error(sendErr))
	result["retry_task_id"] = retry.ID
	return result, nil
}

func (t *SendNotificationTaskDef) sendWhatsapp(ctx context.Context, user *models.User, text string) error {
	pref := user.NotifPreference
	chatID := user.Phone
	if pref.WhatsappTargetType == models.WhatsappTargetTypeGroup {
		chatID = pref.WhatsappGroupID
		if chatID == "" {
			return fmt.Errorf("group ID is empty")
		}
		if !strings.HasSuffix(chatID, "@g.us") {
			chatID += "@g.us"
		}
	}
	if chatID == "" {
		return fmt.Errorf("no phone number for user %s", user.ID)
	}
	return t.Whatsapp.SendMessage(ctx, chatID, text)
}

func replacePlaceholders(template string, user *models.User, n services.Notification) string {
	name := user.Name
	if name == "" {
		name = user.Email
	}
	return strings.NewReplacer(
		"$name", name,
		"$plan_name", n.PlanName,
		"$amount", fmt.Sprint(services.MinorToMajor(n.Amount)),
		"$reason", n.Reason,
		"$next_retry", formatLocal(n.NextRetryAt),
		"$grace_end", formatLocal(n.GracePeriodEndsAt),
	).Replace(template)
}

func formatLocal(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(taipei).Format(notificationTimeLayout)
}

// NotificationQueue implements services.Notifier by queueing a
// send_notification task for the worker.
type NotificationQueue struct {
	db   *gorm.DB
	task *SendNotificationTaskDef
	now  func() time.Time
}

func NewNotificationQueue(db *gorm.DB) *NotificationQueue {
	return &NotificationQueue{db: db, task: &SendNotificationTaskDef{}, now: time.Now}
}

func (q *NotificationQueue) Notify(ctx context.Context, n services.Notification) error {
	task, err := q.task.CreateTask(SendNotificationArgs{Notification: n}, q.now())
	if err != nil {
		return err
	}
	return q.db.WithContext(ctx).Create(task).Error
}
