package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"coaching_billing_echo/internal/models"
)

type UserPreferenceHandler struct {
	DB *gorm.DB
}

func NewUserPreferenceHandler(db *gorm.DB) *UserPreferenceHandler {
	return &UserPreferenceHandler{DB: db}
}

// GetUserPreference returns the caller's notification preference, or the
// defaults when none was saved.
func (h *UserPreferenceHandler) GetUserPreference(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	var pref models.UserNotifPreference
	err = h.DB.WithContext(c.Request().Context()).Where("user_id = ?", userID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pref = models.UserNotifPreference{
			UserID:             userID,
			Channel:            models.NotificationChannelEmail,
			WhatsappTargetType: models.WhatsappTargetTypePersonal,
		}
	} else if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pref)
}

// UpdateUserPreference upserts the caller's notification preference.
func (h *UserPreferenceHandler) UpdateUserPreference(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}
	var req PreferenceRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	if !req.Channel.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "channel must be email, whatsapp or none")
	}
	if req.WhatsappTargetType == "" {
		req.WhatsappTargetType = models.WhatsappTargetTypePersonal
	}
	if req.WhatsappTargetType != models.WhatsappTargetTypePersonal && req.WhatsappTargetType != models.WhatsappTargetTypeGroup {
		return echo.NewHTTPError(http.StatusBadRequest, "whatsapp_target_type must be personal or group")
	}
	if req.Channel == models.NotificationChannelWhatsapp &&
		req.WhatsappTargetType == models.WhatsappTargetTypeGroup && req.WhatsappGroupID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "whatsapp_group_id is required for group delivery")
	}

	db := h.DB.WithContext(c.Request().Context())
	var pref models.UserNotifPreference
	err = db.Where("user_id = ?", userID).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pref = models.UserNotifPreference{UserID: userID}
	} else if err != nil {
		return err
	}

	pref.Channel = req.Channel
	pref.WhatsappTargetType = req.WhatsappTargetType
	pref.WhatsappGroupID = req.WhatsappGroupID

	if err := db.Save(&pref).Error; err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pref)
}
