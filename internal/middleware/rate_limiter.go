package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// ConnectLimiter limits connection attempts to perSecond per client IP, with
// a burst of the same size. Established connections are not affected.
func ConnectLimiter(perSecond int) echo.MiddlewareFunc {
	config := middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStore(rate.Limit(perSecond)),

		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			FromContext(c.Request().Context()).Warn("Connection attempt rate limited", "client_ip", identifier)
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "too many connection attempts",
			})
		},
	}
	return middleware.RateLimiterWithConfig(config)
}
