package middleware

import (
	"context"
	"log/slog"
	"sync"

	"feedsync/internal/models"
	"feedsync/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// OwnerClaimer binds the local cache to one user and reports who holds it.
type OwnerClaimer interface {
	Claim(ctx context.Context, userID string) (string, error)
}

// DeviceUserOnly admits only the user the local cache belongs to. With a pinned user
// only that user is accepted; otherwise the first authenticated user claims the cache.
// Must run after AuthRequired.
func DeviceUserOnly(owners OwnerClaimer, pinned string) fiber.Handler {
	var (
		mu    sync.Mutex
		owner string
	)
	return func(c *fiber.Ctx) error {
		uid, _ := c.Locals(UserIDLocal).(string)
		if uid == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("User not authenticated"))
		}
		if pinned != "" && uid != pinned {
			return refuseForeignUser(c, uid)
		}

		mu.Lock()
		if owner == "" {
			claimed, err := owners.Claim(c.UserContext(), uid)
			if err != nil {
				mu.Unlock()
				return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
			}
			owner = claimed
		}
		current := owner
		mu.Unlock()

		if uid != current {
			return refuseForeignUser(c, uid)
		}
		return c.Next()
	}
}

func refuseForeignUser(c *fiber.Ctx, uid string) error {
	observability.Logger.WarnContext(c.UserContext(), "Rejected user for device cache",
		slog.String("user_id", uid),
		slog.String("path", c.Path()),
	)
	return models.RespondWithError(c, fiber.StatusForbidden,
		models.NewForbiddenError("This feed cache belongs to another user"))
}
