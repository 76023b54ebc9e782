package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryOwner struct {
	owner  string
	claims int
	err    error
}

func (m *memoryOwner) Claim(_ context.Context, userID string) (string, error) {
	m.claims++
	if m.err != nil {
		return "", m.err
	}
	if m.owner == "" {
		m.owner = userID
	}
	return m.owner, nil
}

func deviceApp(owners OwnerClaimer, pinned string) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if uid := c.Get("X-User"); uid != "" {
			c.Locals(UserIDLocal, uid)
		}
		return c.Next()
	})
	app.Use(DeviceUserOnly(owners, pinned))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })
	return app
}

func deviceRequest(t *testing.T, app *fiber.App, uid string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if uid != "" {
		req.Header.Set("X-User", uid)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestDeviceUserOnly_FirstUserClaims(t *testing.T) {
	owners := &memoryOwner{}
	app := deviceApp(owners, "")

	assert.Equal(t, http.StatusOK, deviceRequest(t, app, "alice"))
	assert.Equal(t, http.StatusForbidden, deviceRequest(t, app, "mallory"))
	assert.Equal(t, http.StatusOK, deviceRequest(t, app, "alice"))
	assert.Equal(t, http.StatusUnauthorized, deviceRequest(t, app, ""))
	assert.Equal(t, 1, owners.claims, "the owner is remembered after the first claim")
}

func TestDeviceUserOnly_ExistingOwner(t *testing.T) {
	app := deviceApp(&memoryOwner{owner: "alice"}, "")

	assert.Equal(t, http.StatusForbidden, deviceRequest(t, app, "mallory"))
	assert.Equal(t, http.StatusOK, deviceRequest(t, app, "alice"))
}

func TestDeviceUserOnly_PinnedUser(t *testing.T) {
	owners := &memoryOwner{}
	app := deviceApp(owners, "alice")

	assert.Equal(t, http.StatusForbidden, deviceRequest(t, app, "mallory"))
	assert.Zero(t, owners.claims, "a foreign user never claims a pinned cache")
	assert.Equal(t, http.StatusOK, deviceRequest(t, app, "alice"))
}

func TestDeviceUserOnly_ClaimError(t *testing.T) {
	app := deviceApp(&memoryOwner{err: errors.New("disk full")}, "")

	assert.Equal(t, http.StatusInternalServerError, deviceRequest(t, app, "alice"))
}
