package server

import (
	"strings"

	"feedsync/internal/models"

	"github.com/gofiber/fiber/v2"
)

// Pagination is a window over the cached feed.
type Pagination struct {
	Limit  int
	Offset int
}

const maxPaginationLimit = 100

// parsePagination reads ?limit and ?offset. Out of range values fall back to
// defaultLimit and 0, and limit is capped at maxPaginationLimit.
func parsePagination(c *fiber.Ctx, defaultLimit int) Pagination {
	p := Pagination{
		Limit:  c.QueryInt("limit", defaultLimit),
		Offset: max(c.QueryInt("offset", 0), 0),
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	p.Limit = min(p.Limit, maxPaginationLimit)
	return p
}

// parseItemID reads the :id route parameter. An empty id writes a 400 response and
// reports false.
func parseItemID(c *fiber.Ctx) (string, bool) {
	id := strings.TrimSpace(c.Params("id"))
	if id == "" {
		_ = models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Invalid ID"))
		return "", false
	}
	return id, true
}

// respondError writes err with the status its error code maps to.
func respondError(c *fiber.Ctx, err error) error {
	return models.RespondWithError(c, models.StatusCode(err), err)
}

func invalidBody(c *fiber.Ctx) error {
	return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Invalid request body"))
}
