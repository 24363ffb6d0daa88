package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"coaching_billing_echo/internal/services"
)

type SubscriptionHandler struct {
	authorizations *services.AuthorizationService
	subscriptions  *services.SubscriptionService
}

func NewSubscriptionHandler(authorizations *services.AuthorizationService, subscriptions *services.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{authorizations: authorizations, subscriptions: subscriptions}
}

// Authorize issues a recurring card mandate and returns the signed checkout
// form the client must post to the gateway.
func (h *SubscriptionHandler) Authorize(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	var req PlanSelection
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	result, err := h.authorizations.CreateAuthorization(c.Request().Context(), userID, req.PlanID, req.BillingCycle)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, result)
}

// Current returns the caller's subscription view.
func (h *SubscriptionHandler) Current(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	view, err := h.subscriptions.Current(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (h *SubscriptionHandler) Upgrade(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	var req PlanSelection
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	result, err := h.subscriptions.Upgrade(c.Request().Context(), userID, req.PlanID, req.BillingCycle)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Downgrade schedules a move to a lower tier at the end of the current period.
func (h *SubscriptionHandler) Downgrade(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	var req PlanSelection
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	result, err := h.subscriptions.Downgrade(c.Request().Context(), userID, req.PlanID, req.BillingCycle)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (h *SubscriptionHandler) Cancel(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	var req CancelRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	result, err := h.subscriptions.Cancel(c.Request().Context(), userID, req.Immediate, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Reactivate withdraws a pending period-end cancellation.
func (h *SubscriptionHandler) Reactivate(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	view, err := h.subscriptions.Reactivate(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}
