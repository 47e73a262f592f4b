package middleware

import (
	"net/http"
	"strings"

	"github.com/cellfn/credits-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

// AccountIDFromCtx extracts the authenticated account_id set by APIKeyMiddleware.
func AccountIDFromCtx(c echo.Context) (string, bool) {
	v := c.Get("account_id")
	id, ok := v.(string)
	return id, ok
}

// APIKeyMiddleware authenticates requests using the X-API-Key header.
// On success it stores account_id in context; suspended accounts are rejected.
func APIKeyMiddleware(accounts repository.AccountsRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			acct, err := accounts.GetByAPIKey(c.Request().Context(), key)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if acct == nil || acct.Status != "active" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set("account_id", acct.ID)
			if acct.RateLimitRPS != nil {
				c.Set("account_rps", *acct.RateLimitRPS)
			}
			return next(c)
		}
	}
}
