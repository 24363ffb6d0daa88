package tasks

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"coaching_billing_echo/internal/models"
)

// LogInfoTaskDef writes its message to the worker log. Operators schedule it
// to check that the worker is picking up tasks.
type LogInfoTaskDef struct {
	Logger *zap.Logger
}

// TaskID returns the unique identifier for this task
func (t *LogInfoTaskDef) TaskID() string {
	return "log_info"
}

// HandleExecution handles logging information
func (t *LogInfoTaskDef) HandleExecution(ctx context.Context, db *gorm.DB, task models.ScheduledTask) (map[string]interface{}, error) {
	message, ok := task.Arguments["message"].(string)
	if !ok {
		message = "No message provided"
	}
	t.Logger.Info("log_info task", zap.Uint("task_id", task.ID), zap.String("message", message))

	return map[string]interface{}{
		"status":            "success",
		"message":           message,
		"max_attempts_info": task.MaxAttempt,
	}, nil
}
