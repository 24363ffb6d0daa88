package handlers

import (
	"github.com/labstack/echo/v4"
)

// Handlers groups every HTTP handler the API server mounts.
type Handlers struct {
	Webhooks      *WebhookHandler
	Subscriptions *SubscriptionHandler
	Plans         *PlanHandler
	Preferences   *UserPreferenceHandler
	Admin         *AdminHandler
	Health        *HealthHandler
}

// RegisterRoutes mounts the API. requireAuth guards the customer routes and
// requireAdmin the operator routes.
func RegisterRoutes(e *echo.Echo, h Handlers, requireAuth, requireAdmin echo.MiddlewareFunc) {
	e.GET("/healthz", h.Health.Healthz)

	// Gateway callbacks are authenticated by CheckMacValue, not by session.
	webhooks := e.Group("/webhooks")
	webhooks.POST("/ecpay-auth", h.Webhooks.AuthorizationCallback)
	webhooks.POST("/ecpay-billing", h.Webhooks.BillingCallback)

	api := e.Group("/api")
	api.GET("/plans", h.Plans.ListPlans)

	protected := api.Group("", requireAuth)
	protected.POST("/subscriptions/authorize", h.Subscriptions.Authorize)
	protected.GET("/subscriptions/current", h.Subscriptions.Current)
	protected.POST("/subscriptions/upgrade", h.Subscriptions.Upgrade)
	protected.POST("/subscriptions/downgrade", h.Subscriptions.Downgrade)
	protected.POST("/subscriptions/cancel", h.Subscriptions.Cancel)
	protected.POST("/subscriptions/reactivate", h.Subscriptions.Reactivate)
	protected.GET("/preferences/notification", h.Preferences.GetUserPreference)
	protected.PUT("/preferences/notification", h.Preferences.UpdateUserPreference)

	admin := e.Group("/admin", requireAdmin)
	admin.POST("/payments/:id/retry", h.Admin.RetryPayment)
	admin.POST("/maintenance/run", h.Admin.RunMaintenance)
}
