package middleware

import (
	"log/slog"
	"time"

	"feedsync/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// ContextMiddleware injects the request ID from Fiber locals into the request context so
// the context-aware logger picks it up in deeper layers.
func ContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
			c.SetUserContext(observability.WithRequestID(c.UserContext(), rid))
		}
		return c.Next()
	}
}

// StructuredLogger logs one line per request. Server errors log at error level, client
// errors at warn, and probe or scrape traffic at debug.
func StructuredLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		attrs := []slog.Attr{
			slog.Int("status", status),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("route", c.Route().Path),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}

		level := slog.LevelInfo
		switch {
		case err != nil || status >= fiber.StatusInternalServerError:
			level = slog.LevelError
		case status >= fiber.StatusBadRequest:
			level = slog.LevelWarn
		case c.Path() == "/health" || c.Path() == "/metrics":
			level = slog.LevelDebug
		}
		observability.Logger.LogAttrs(c.UserContext(), level, "request processed", attrs...)

		return err
	}
}
