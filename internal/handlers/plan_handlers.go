package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"coaching_billing_echo/internal/models"
	"coaching_billing_echo/internal/services"
)

const (
	planCatalogCacheKey = "plans:catalog"
	planCatalogCacheTTL = time.Hour
)

type PlanHandler struct {
	cache *services.RedisCache
}

func NewPlanHandler(cache *services.RedisCache) *PlanHandler {
	return &PlanHandler{cache: cache}
}

// ListPlans returns the price table ordered by tier.
func (h *PlanHandler) ListPlans(c echo.Context) error {
	plans, err := services.GetOrSet(h.cache, c.Request().Context(), planCatalogCacheKey, planCatalogCacheTTL,
		func() ([]models.PlanDefinition, error) {
			return models.PlanCatalog(), nil
		})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, plans)
}
