package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coaching_billing_echo/internal/models"
	"coaching_billing_echo/internal/services"
)

// Context keys set by RequireAuth.
const (
	ContextUserID    = "userID"
	ContextUserUID   = "userUID"
	ContextUserEmail = "userEmail"
)

// RequireAuth verifies the Firebase ID token in the Authorization header and
// loads the matching user, creating it on first sight.
func RequireAuth(verifier services.TokenVerifier, db *gorm.DB, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if verifier == nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "Authentication not configured")
			}

			authHeader := c.Request().Header.Get("Authorization")
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if authHeader == "" || tokenString == authHeader || tokenString == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing bearer token")
			}

			token, err := verifier.VerifyIDToken(c.Request().Context(), tokenString)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
			}

			email, _ := token.Claims["email"].(string)
			name, _ := token.Claims["name"].(string)

			user := models.User{FirebaseUID: token.UID}
			err = db.WithContext(c.Request().Context()).
				Where(models.User{FirebaseUID: token.UID}).
				Attrs(models.User{Email: email, Name: name}).
				FirstOrCreate(&user).Error
			if err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return echo.NewHTTPError(http.StatusConflict, "Email already linked to another account")
				}
				logger.Error("Failed to load user", zap.String("uid", token.UID), zap.Error(err))
				return err
			}

			c.Set(ContextUserID, user.ID)
			c.Set(ContextUserUID, token.UID)
			c.Set(ContextUserEmail, user.Email)
			return next(c)
		}
	}
}

// RequireAdminToken guards operator endpoints with a static X-Admin-Token.
// An empty configured token disables the endpoints.
func RequireAdminToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := c.Request().Header.Get("X-Admin-Token")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid admin token")
			}
			return next(c)
		}
	}
}
