package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"coaching_billing_echo/internal/middleware"
	"coaching_billing_echo/internal/models"
)

// PlanSelection is the body of authorize, upgrade and downgrade requests.
type PlanSelection struct {
	PlanID       models.PlanID       `json:"plan_id"`
	BillingCycle models.BillingCycle `json:"billing_cycle"`
}

// CancelRequest is the body of a cancellation request.
type CancelRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason"`
}

// PreferenceRequest is the body of a notification preference update.
type PreferenceRequest struct {
	Channel            models.NotificationChannel `json:"channel"`
	WhatsappTargetType string                     `json:"whatsapp_target_type"`
	WhatsappGroupID    string                     `json:"whatsapp_group_id"`
}

// Helper to safely get string from context
func getStringFromContext(c echo.Context, key string) string {
	val := c.Get(key)
	if val == nil {
		return ""
	}
	strVal, ok := val.(string)
	if !ok {
		return ""
	}
	return strVal
}

// currentUserID returns the id RequireAuth stored on the context.
func currentUserID(c echo.Context) (string, error) {
	id := getStringFromContext(c, middleware.ContextUserID)
	if id == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "Not authenticated")
	}
	return id, nil
}

func bindJSON(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid JSON payload")
	}
	return nil
}
