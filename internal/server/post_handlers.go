package server

import (
	"io"

	"feedsync/internal/feed"
	"feedsync/internal/media"
	"feedsync/internal/models"

	"github.com/gofiber/fiber/v2"
)

// CreatePost handles POST /api/posts (multipart: text, images)
func (s *Server) CreatePost(c *fiber.Ctx) error {
	in := feed.CreatePostInput{Text: c.FormValue("text")}

	if form, err := c.MultipartForm(); err == nil {
		for _, fh := range form.File["images"] {
			src, err := fh.Open()
			if err != nil {
				return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Unable to read uploaded file"))
			}
			content, err := io.ReadAll(src)
			_ = src.Close()
			if err != nil {
				return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("Unable to read uploaded file"))
			}
			in.Images = append(in.Images, media.Input{
				Filename:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Content:     content,
			})
		}
	}

	post, err := s.posts.CreatePost(c.UserContext(), in)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(post)
}

// GetPost handles GET /api/posts/:id
func (s *Server) GetPost(c *fiber.Ctx) error {
	id, ok := parseItemID(c)
	if !ok {
		return nil
	}

	post, err := s.posts.Get(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(post)
}

// ToggleLike handles POST /api/posts/:id/like
func (s *Server) ToggleLike(c *fiber.Ctx) error {
	id, ok := parseItemID(c)
	if !ok {
		return nil
	}

	liked, err := s.posts.ToggleLike(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"liked": liked})
}

// UpdatePostText handles PATCH /api/posts/:id
func (s *Server) UpdatePostText(c *fiber.Ctx) error {
	id, ok := parseItemID(c)
	if !ok {
		return nil
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}

	post, err := s.posts.EditText(c.UserContext(), id, req.Text)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(post)
}

// UpdatePostMedia handles PUT /api/posts/:id/media
func (s *Server) UpdatePostMedia(c *fiber.Ctx) error {
	id, ok := parseItemID(c)
	if !ok {
		return nil
	}

	var req struct {
		MediaURLs []string `json:"media_urls"`
	}
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}

	post, err := s.posts.EditMediaURLs(c.UserContext(), id, req.MediaURLs)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(post)
}

// DeletePost handles DELETE /api/posts/:id
func (s *Server) DeletePost(c *fiber.Ctx) error {
	id, ok := parseItemID(c)
	if !ok {
		return nil
	}

	if err := s.posts.Delete(c.UserContext(), id); err != nil {
		return respondError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ResyncPost handles POST /api/posts/:id/resync. A post that no longer exists remotely
// is removed from the cache and answered with 204.
func (s *Server) ResyncPost(c *fiber.Ctx) error {
	id, ok := parseItemID(c)
	if !ok {
		return nil
	}

	post, err := s.posts.Resync(c.UserContext(), id)
	if err != nil {
		return respondError(c, err)
	}
	if post == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return c.JSON(post)
}

// UpdateAuthor handles PUT /api/authors/:id
func (s *Server) UpdateAuthor(c *fiber.Ctx) error {
	id, ok := parseItemID(c)
	if !ok {
		return nil
	}

	var req struct {
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := c.BodyParser(&req); err != nil {
		return invalidBody(c)
	}

	updated, err := s.posts.RefreshAuthorInfo(c.UserContext(), id, req.Name, req.AvatarURL)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{"updated": updated})
}
