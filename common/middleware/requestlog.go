// Package middleware holds echo middleware shared by the HTTP services.
package middleware

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/swiftgrid/controlplane/common/logger"
)

// RequestLog logs one structured line per request. Streaming endpoints log
// on disconnect, so durations there reflect connection lifetime.
func RequestLog(log *logger.Logger) echo.MiddlewareFunc {
	l := log.WithComponent("http")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			l.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return err
		}
	}
}
