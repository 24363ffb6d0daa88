package tasks

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"coaching_billing_echo/internal/models"
	"coaching_billing_echo/internal/services"
)

// BillingMaintenanceTaskDef runs the periodic billing sweep: expired grace
// periods, due retries, queued plan changes and period-end cancellations.
type BillingMaintenanceTaskDef struct {
	Service *services.MaintenanceService
}

// TaskID returns the unique identifier for this task
func (t *BillingMaintenanceTaskDef) TaskID() string {
	return "billing_maintenance"
}

// CreateTask builds the recurring task record driven by rule.
func (t *BillingMaintenanceTaskDef) CreateTask(rule string, due time.Time) (*models.ScheduledTask, error) {
	return BuildScheduledTask(t.TaskID(), map[string]interface{}{}, due, &rule, models.ScheduledTaskTypeRecurring, 1)
}

// EnsureScheduled creates the recurring task unless one is already queued.
// It returns the task that drives maintenance.
func (t *BillingMaintenanceTaskDef) EnsureScheduled(ctx context.Context, db *gorm.DB, rule string, now time.Time) (*models.ScheduledTask, error) {
	var existing models.ScheduledTask
	err := db.WithContext(ctx).
		Where("task_name = ? AND status IN ?", t.TaskID(),
			[]models.ScheduledTaskStatus{models.ScheduledTaskStatusActive, models.ScheduledTaskStatusRunning}).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	task, err := t.CreateTask(rule, now)
	if err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

// HandleExecution runs one maintenance pass and stores its report.
func (t *BillingMaintenanceTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
	report, err := t.Service.Run(ctx)
	if report == nil {
		return nil, err
	}
	return map[string]interface{}{
		"downgraded":           report.Downgraded,
		"retries_requested":    report.RetriesRequested,
		"plan_changes_applied": report.PlanChangesApplied,
		"cancellations_closed": report.CancellationsClosed,
		"errors":               report.Errors,
		"status_counts":        report.StatusCounts,
		"success_rate":         report.SuccessRate,
		"duration_ms":          report.Duration.Milliseconds(),
	}, err
}
