package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"coaching_billing_echo/internal/config"
	"coaching_billing_echo/internal/models"
	"coaching_billing_echo/internal/services"
	"coaching_billing_echo/internal/tasks"
)

func main() {
	taskName := flag.String("task_name", "", "Name of the task (mandatory)")
	argsStr := flag.String("arguments", "{}", "JSON arguments for the task")
	dueStr := flag.String("due", "", "Due date (mandatory, RFC3339 or 2006-01-02 15:04 in Asia/Taipei)")
	taskType := flag.String("tasktype", string(models.ScheduledTaskTypeOneTime), "Task type: onetime or recurring")
	recurring := flag.String("recurring", "", "RRULE for recurring tasks, e.g. FREQ=DAILY;BYHOUR=3")
	maxAttempt := flag.Int("max_attempt", 3, "Max attempts")
	flag.Parse()

	if *taskName == "" || *dueStr == "" {
		fmt.Println("Usage: schedule_task -task_name <name> -due <YYYY-MM-DD HH:MM> [-arguments <json>] [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if !known(*taskName) {
		log.Fatalf("Unknown task %q", *taskName)
	}

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(*argsStr), &args); err != nil {
		log.Fatalf("Invalid JSON arguments: %v", err)
	}

	due, err := time.Parse(time.RFC3339, *dueStr)
	if err != nil {
		due, err = time.ParseInLocation("2006-01-02 15:04", *dueStr, time.FixedZone("Asia/Taipei", 8*60*60))
		if err != nil {
			log.Fatalf("Invalid due date format. Use '2006-01-02 15:04' (Asia/Taipei) or RFC3339: %v", err)
		}
	}

	kind := models.ScheduledTaskType(*taskType)
	if kind != models.ScheduledTaskTypeOneTime && kind != models.ScheduledTaskTypeRecurring {
		log.Fatalf("Invalid task type %q", *taskType)
	}
	var recurringPtr *string
	if *recurring != "" {
		recurringPtr = recurring
	} else if kind == models.ScheduledTaskTypeRecurring {
		log.Fatal("Recurring tasks need -recurring")
	}

	task, err := tasks.BuildScheduledTask(*taskName, args, due, recurringPtr, kind, *maxAttempt)
	if err != nil {
		log.Fatalf("Failed to build task: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	db, err := services.InitDB(cfg.DatabaseURL, cfg.DBLogLevel, zap.NewNop())
	if err != nil {
		log.Fatalf("Failed to connect DB: %v", err)
	}
	if err := db.Create(task).Error; err != nil {
		log.Fatalf("Failed to create task: %v", err)
	}

	fmt.Printf("Successfully created task ID: %d\n", task.ID)
	fmt.Printf("Task: %s\nDue: %s\nType: %s\n", task.TaskName, task.Due, task.TaskType)
}

// known reports whether the worker has a handler for name.
func known(name string) bool {
	registry := tasks.NewRegistry()
	tasks.DefineTasks(registry, tasks.Dependencies{Maintenance: &services.MaintenanceService{}})
	_, ok := registry.Get(name)
	return ok
}
