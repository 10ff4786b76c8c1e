package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

// APIKeyFromCtx extracts the authenticated operator key set by APIKeyMiddleware.
func APIKeyFromCtx(c echo.Context) (string, bool) {
	v := c.Get("api_key")
	key, ok := v.(string)
	return key, ok
}

// APIKeyMiddleware authenticates operator requests using the X-API-Key
// header against the configured key set. Campaign dispatch is an operator
// surface; end-user auth lives with the external backend.
func APIKeyMiddleware(keys []string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			for _, k := range keys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					c.Set("api_key", key)
					return next(c)
				}
			}
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
		}
	}
}
