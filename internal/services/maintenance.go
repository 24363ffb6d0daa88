package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coaching_billing_echo/internal/models"
)

const successRateWindow = 7 * 24 * time.Hour

// MaintenanceReport summarises one maintenance pass.
type MaintenanceReport struct {
	StartedAt           time.Time        `json:"started_at"`
	Downgraded          int              `json:"downgraded"`
	RetriesRequested    int              `json:"retries_requested"`
	PlanChangesApplied  int              `json:"plan_changes_applied"`
	CancellationsClosed int              `json:"cancellations_closed"`
	Errors              int              `json:"errors"`
	StatusCounts        map[string]int64 `json:"status_counts"`
	SuccessRate         float64          `json:"success_rate"`
	Duration            time.Duration    `json:"duration"`
}

// MaintenanceService runs the periodic billing sweep.
type MaintenanceService struct {
	deps          Deps
	retry         *RetryEngine
	subscriptions *SubscriptionService
	logger        *zap.Logger
}

func NewMaintenanceService(d Deps, retry *RetryEngine, subscriptions *SubscriptionService) *MaintenanceService {
	d = d.withDefaults()
	return &MaintenanceService{deps: d, retry: retry, subscriptions: subscriptions, logger: d.Logger.Named("maintenance")}
}

// Run processes every due item. A failing item is logged and counted; it
// never stops the rest of the pass. Only failures to list work are returned.
func (s *MaintenanceService) Run(ctx context.Context) (*MaintenanceReport, error) {
	report := &MaintenanceReport{StartedAt: s.deps.now(), StatusCounts: map[string]int64{}}
	start := time.Now()

	steps := []struct {
		name  string
		list  func(context.Context) ([]uint, error)
		apply func(context.Context, uint) error
		done  *int
	}{
		{"grace_expired", s.retry.ExpiredGracePeriods, s.retry.DowngradeExpired, &report.Downgraded},
		{"retry_due", s.retry.DueRetries, s.retry.RetryPayment, &report.RetriesRequested},
		{"plan_change_due", s.subscriptions.DuePlanChanges, s.subscriptions.ApplyPlanChange, &report.PlanChangesApplied},
		{"cancellation_due", s.subscriptions.DueCancellations, s.subscriptions.FinalizeCancellation, &report.CancellationsClosed},
	}

	var listErr error
	for _, step := range steps {
		ids, err := step.list(ctx)
		if err != nil {
			s.logger.Error("Failed to list maintenance items", zap.String("step", step.name), zap.Error(err))
			report.Errors++
			listErr = err
			continue
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			if err := step.apply(ctx, id); err != nil {
				s.logger.Error("Maintenance item failed",
					zap.String("step", step.name),
					zap.Uint("id", id),
					zap.Error(err))
				report.Errors++
				continue
			}
			*step.done++
		}
	}

	if err := s.collectStats(ctx, report); err != nil {
		s.logger.Error("Failed to collect billing stats", zap.Error(err))
		report.Errors++
	}

	report.Duration = time.Since(start)
	outcome := "ok"
	if report.Errors > 0 {
		outcome = "partial"
	}
	s.deps.Metrics.ObserveMaintenance(outcome, report.Errors)

	s.logger.Info("Maintenance run finished",
		zap.Int("downgraded", report.Downgraded),
		zap.Int("retries_requested", report.RetriesRequested),
		zap.Int("plan_changes_applied", report.PlanChangesApplied),
		zap.Int("cancellations_closed", report.CancellationsClosed),
		zap.Int("errors", report.Errors),
		zap.Any("status_counts", report.StatusCounts),
		zap.Float64("success_rate", report.SuccessRate),
		zap.Duration("duration", report.Duration))
	return report, listErr
}

func (s *MaintenanceService) collectStats(ctx context.Context, report *MaintenanceReport) error {
	db := s.deps.DB.WithContext(ctx)

	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.Model(&models.Subscription{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return err
	}
	for _, status := range []models.SubscriptionStatus{
		models.SubscriptionStatusActive, models.SubscriptionStatusPastDue, models.SubscriptionStatusCancelled,
	} {
		report.StatusCounts[string(status)] = 0
	}
	for _, r := range rows {
		report.StatusCounts[r.Status] = r.Count
	}
	for status, count := range report.StatusCounts {
		s.deps.Metrics.SetSubscriptionGauge(status, count)
	}

	since := report.StartedAt.Add(-successRateWindow)
	var succeeded, total int64
	if err := db.Model(&models.Payment{}).
		Where("processed_at >= ? AND status IN ?", since,
			[]models.PaymentStatus{models.PaymentStatusSuccess, models.PaymentStatusFailed}).
		Count(&total).Error; err != nil {
		return err
	}
	if err := db.Model(&models.Payment{}).
		Where("processed_at >= ? AND status = ?", since, models.PaymentStatusSuccess).
		Count(&succeeded).Error; err != nil {
		return err
	}
	if total > 0 {
		report.SuccessRate = decimal.NewFromInt(succeeded).
			Div(decimal.NewFromInt(total)).
			Round(4).
			InexactFloat64()
	}
	s.deps.Metrics.SetSuccessRate(report.SuccessRate)
	return nil
}
