package server

import (
	"feedsync/internal/feed"
	"feedsync/internal/models"

	"github.com/gofiber/fiber/v2"
)

// LoadFeedRequest asks the paging mediator for one load.
type LoadFeedRequest struct {
	LoadType   string `json:"load_type"`
	LastItemID string `json:"last_item_id"`
	PageSize   int    `json:"page_size"`
}

// LoadFeedResponse reports the outcome of a load. PrefetchDistance is how many items
// from the end of the cached list the client should request the next APPEND.
type LoadFeedResponse struct {
	EndOfPagination  bool `json:"end_of_pagination"`
	Loaded           int  `json:"loaded"`
	PrefetchDistance int  `json:"prefetch_distance"`
}

// LoadFeed handles POST /api/feed/load
func (s *Server) LoadFeed(c *fiber.Ctx) error {
	var req LoadFeedRequest
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}

	loadType, err := models.ParseLoadType(req.LoadType)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError(err.Error()))
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	res, err := s.mediator.Load(c.UserContext(), loadType, feed.PagingState{
		LastItemID: req.LastItemID,
		PageSize:   min(req.PageSize, maxPaginationLimit),
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(LoadFeedResponse{
		EndOfPagination:  res.EndOfPagination,
		Loaded:           res.Loaded,
		PrefetchDistance: s.config.FeedPrefetchDistance,
	})
}

// GetFeed handles GET /api/feed
func (s *Server) GetFeed(c *fiber.Ctx) error {
	page := parsePagination(c, s.config.FeedPageSize)

	posts, err := s.posts.Feed(c.UserContext(), page.Offset, page.Limit)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(posts)
}

// ClearFeedCache handles DELETE /api/feed/cache
func (s *Server) ClearFeedCache(c *fiber.Ctx) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if err := s.posts.ClearCache(c.UserContext()); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
