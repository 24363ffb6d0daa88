package tasks

import (
	"time"

	"go.uber.org/zap"

	"coaching_billing_echo/internal/services"
)

// Dependencies are the collaborators the task handlers need.
type Dependencies struct {
	Email       services.EmailSender
	Whatsapp    services.WhatsappSender
	Maintenance *services.MaintenanceService
	Logger      *zap.Logger
}

// DefineTasks registers all available tasks
func DefineTasks(r *Registry, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	logInfo := &LogInfoTaskDef{Logger: logger.Named("log_info")}
	r.Register(logInfo.TaskID(), logInfo.HandleExecution)

	notify := &SendNotificationTaskDef{
		Email:    deps.Email,
		Whatsapp: deps.Whatsapp,
		Logger:   logger.Named("notification"),
		Now:      time.Now,
	}
	r.Register(notify.TaskID(), notify.HandleExecution)

	if deps.Maintenance != nil {
		maintenance := &BillingMaintenanceTaskDef{Service: deps.Maintenance}
		r.Register(maintenance.TaskID(), maintenance.HandleExecution)
	}
}
