package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"coaching_billing_echo/internal/services"
)

// AdminHandler exposes operator actions behind RequireAdminToken.
type AdminHandler struct {
	retry       *services.RetryEngine
	maintenance *services.MaintenanceService
}

func NewAdminHandler(retry *services.RetryEngine, maintenance *services.MaintenanceService) *AdminHandler {
	return &AdminHandler{retry: retry, maintenance: maintenance}
}

// RetryPayment asks the gateway to re-authorize a failed payment now.
func (h *AdminHandler) RetryPayment(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid payment ID")
	}
	if err := h.retry.RetryPayment(c.Request().Context(), uint(id)); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"payment_id": id,
		"status":     "retry_requested",
	})
}

// RunMaintenance runs one maintenance pass synchronously and returns its report.
func (h *AdminHandler) RunMaintenance(c echo.Context) error {
	report, err := h.maintenance.Run(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
