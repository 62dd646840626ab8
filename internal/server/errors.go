package server

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/chatrelay/internal/middleware"
)

// setupErrorHandling installs an error handler that leaves echo's own
// HTTP errors alone and logs anything else with a stack trace.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			e.DefaultHTTPErrorHandler(err, c)
			return
		}

		logger := middleware.FromContext(c.Request().Context())
		logger.Error("Internal Server Error (Unhandled)",
			"error", err,
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"stack_trace", string(debug.Stack()),
		)

		if c.Response().Committed {
			return
		}
		if err := c.JSON(http.StatusInternalServerError, map[string]string{
			"error": http.StatusText(http.StatusInternalServerError),
		}); err != nil {
			logger.Error("Failed to write error response", "error", err)
		}
	}
}
