package tasks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"coaching_billing_echo/internal/models"
	"coaching_billing_echo/internal/services"
)

const workerLockKey = "worker:scheduled_tasks"

// Locker guards a tick against overlapping runs in other worker processes.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}

// Executor picks up due scheduled tasks and runs their handlers.
type Executor struct {
	db       *gorm.DB
	registry *Registry
	logger   *zap.Logger
	lock     Locker
	lockTTL  time.Duration
	now      func() time.Time
}

// NewExecutor builds an executor. A nil lock runs without cross-process
// protection.
func NewExecutor(db *gorm.DB, registry *Registry, lock Locker, lockTTL time.Duration, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		db:       db,
		registry: registry,
		logger:   logger.Named("executor"),
		lock:     lock,
		lockTTL:  lockTTL,
		now:      time.Now,
	}
}

// ProcessDue runs every active task whose due time has passed. It returns
// the number of tasks executed.
func (e *Executor) ProcessDue(ctx context.Context) (int, error) {
	if e.lock != nil {
		token, err := e.lock.AcquireLock(ctx, workerLockKey, e.lockTTL)
		if errors.Is(err, services.ErrLockHeld) {
			e.logger.Info("Another worker holds the task lock, skipping tick")
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		defer func() {
			if _, err := e.lock.ReleaseLock(context.WithoutCancel(ctx), workerLockKey, token); err != nil {
				e.logger.Warn("Failed to release task lock", zap.Error(err))
			}
		}()
	}

	var pending []models.ScheduledTask
	if err := e.db.WithContext(ctx).
		Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, e.now().UTC()).
		Order("due").
		Find(&pending).Error; err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		e.logger.Debug("No pending tasks found")
		return 0, nil
	}
	e.logger.Info("Found pending tasks", zap.Int("count", len(pending)))

	ran := 0
	for _, task := range pending {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		if !e.claim(ctx, task.ID) {
			continue
		}
		e.execute(ctx, task, 1)
		ran++
	}
	return ran, nil
}

// claim flips an active task to running so no other tick picks it up.
func (e *Executor) claim(ctx context.Context, id uint) bool {
	res := e.db.WithContext(ctx).Model(&models.ScheduledTask{}).
		Where("id = ? AND status = ?", id, models.ScheduledTaskStatusActive).
		Update("status", models.ScheduledTaskStatusRunning)
	if res.Error != nil {
		e.logger.Error("Failed to claim task", zap.Uint("task_id", id), zap.Error(res.Error))
		return false
	}
	return res.RowsAffected == 1
}

func (e *Executor) execute(ctx context.Context, task models.ScheduledTask, attempt int) {
	log := e.logger.With(zap.Uint("task_id", task.ID), zap.String("task_name", task.TaskName), zap.Int("attempt", attempt))
	log.Info("Processing task")

	if task.Arguments == nil {
		task.Arguments = datatypes.JSONMap{}
	}

	handler, found := e.registry.Get(task.TaskName)
	if !found {
		log.Error("Task handler not found, marking as failure")
		now := e.now().UTC()
		e.record(ctx, task, now, 0, "handler_not_found", attempt, map[string]interface{}{"error": "Handler not found"})
		e.update(ctx, task, map[string]interface{}{"status": models.ScheduledTaskStatusFailure, "last_run": now})
		return
	}

	start := e.now().UTC()
	result, err := e.run(ctx, handler, task)
	runtime := time.Since(start)

	status := "success"
	if err != nil {
		status = "failure"
		if result == nil {
			result = map[string]interface{}{}
		}
		result["error"] = err.Error()
		log.Error("Task failed", zap.Error(err))
	} else {
		log.Info("Task completed", zap.Duration("runtime", runtime))
	}
	e.record(ctx, task, start, runtime.Milliseconds(), status, attempt, result)

	if err != nil && attempt < task.MaxAttempt && ctx.Err() == nil {
		e.execute(ctx, task, attempt+1)
		return
	}

	updates := map[string]interface{}{"last_run": start}
	switch {
	case task.TaskType == models.ScheduledTaskTypeRecurring:
		// Recurring tasks move on to their next occurrence even after a
		// failed run.
		next := task.NextDue(e.now())
		if next.After(task.Due) {
			updates["status"] = models.ScheduledTaskStatusActive
			updates["due"] = next
		} else {
			updates["status"] = models.ScheduledTaskStatusDone
		}
	case err != nil:
		updates["status"] = models.ScheduledTaskStatusFailure
	default:
		updates["status"] = models.ScheduledTaskStatusDone
	}
	e.update(ctx, task, updates)
}

func (e *Executor) run(ctx context.Context, handler TaskHandler, task models.ScheduledTask) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Task panicked", zap.Uint("task_id", task.ID), zap.Any("panic", r))
			result, err = nil, errors.New("task panicked")
		}
	}()
	return handler(ctx, e.db, task)
}

func (e *Executor) record(ctx context.Context, task models.ScheduledTask, runAt time.Time, runtimeMs int64, status string, attempt int, result map[string]interface{}) {
	history := models.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		TaskName:        task.TaskName,
		RunAt:           runAt,
		RuntimeMs:       runtimeMs,
		Status:          status,
		AttemptNumber:   attempt,
		Arguments:       task.Arguments,
		Result:          datatypes.JSONMap(result),
	}
	if err := e.db.WithContext(context.WithoutCancel(ctx)).Create(&history).Error; err != nil {
		e.logger.Error("Failed to write task history", zap.Uint("task_id", task.ID), zap.Error(err))
	}
}

func (e *Executor) update(ctx context.Context, task models.ScheduledTask, updates map[string]interface{}) {
	if err := e.db.WithContext(context.WithoutCancel(ctx)).Model(&models.ScheduledTask{}).
		Where("id = ?", task.ID).
		Updates(updates).Error; err != nil {
		e.logger.Error("Failed to update task", zap.Uint("task_id", task.ID), zap.Error(err))
	}
}
