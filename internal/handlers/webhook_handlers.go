package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"coaching_billing_echo/internal/ecpay"
	"coaching_billing_echo/internal/services"
)

// WebhookHandler receives the gateway's server-to-server callbacks. The
// response body is always the literal acknowledgement string.
type WebhookHandler struct {
	service *services.WebhookService
}

func NewWebhookHandler(service *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// AuthorizationCallback handles POST /webhooks/ecpay-auth.
func (h *WebhookHandler) AuthorizationCallback(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return c.String(http.StatusOK, string(services.AckInvalidRequest))
	}
	ack := h.service.ProcessAuthorization(c.Request().Context(), ecpay.FormValues(form), c.RealIP())
	return c.String(http.StatusOK, string(ack))
}

// BillingCallback handles POST /webhooks/ecpay-billing.
func (h *WebhookHandler) BillingCallback(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return c.String(http.StatusOK, string(services.AckInvalidRequest))
	}
	ack := h.service.ProcessBilling(c.Request().Context(), ecpay.FormValues(form), c.RealIP())
	return c.String(http.StatusOK, string(ack))
}
