package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"feedsync/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret-key-12345678901234567890123456789012"

func TestAuthRequired(t *testing.T) {
	app := fiber.New()
	app.Get("/test", AuthRequired(secret), func(c *fiber.Ctx) error {
		fromCtx, _ := c.UserContext().Value(observability.UserIDKey).(string)
		return c.JSON(fiber.Map{"userID": c.Locals(UserIDLocal), "ctx": fromCtx})
	})

	valid, err := IssueToken(secret, "user-123", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, "user-123", -time.Hour)
	require.NoError(t, err)
	otherSecret, err := IssueToken("another-secret-key-1234567890123456789012", "user-123", time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-123",
		"iss": "someone-else",
		"aud": TokenAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{"Happy Path", "Bearer " + valid, http.StatusOK},
		{"Missing Header", "", http.StatusUnauthorized},
		{"Invalid Format", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"Malformed Token", "Bearer malformed.token.here", http.StatusUnauthorized},
		{"Expired Token", "Bearer " + expired, http.StatusUnauthorized},
		{"Wrong Secret", "Bearer " + otherSecret, http.StatusUnauthorized},
		{"Wrong Issuer", "Bearer " + wrongIssuer, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			resp, err := app.Test(req)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedStatus == http.StatusOK {
				var body map[string]string
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, "user-123", body["userID"])
				assert.Equal(t, "user-123", body["ctx"])
			}
		})
	}
}

func TestIssueToken_RequiresUser(t *testing.T) {
	_, err := IssueToken(secret, "", time.Hour)
	assert.Error(t, err)
}

func TestContextMiddleware_PropagatesRequestID(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("requestid", "req-42")
		return c.Next()
	}, ContextMiddleware(), StructuredLogger(), TracingMiddleware())
	app.Get("/", func(c *fiber.Ctx) error {
		rid, _ := c.UserContext().Value(observability.RequestIDKey).(string)
		return c.SendString(rid)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	assert.Equal(t, "req-42", string(buf[:n]))
}
