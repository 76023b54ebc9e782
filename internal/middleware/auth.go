// Package middleware provides the Fiber middleware of the HTTP surface: bearer token
// authentication, request context propagation, structured request logging and tracing.
package middleware

import (
	"errors"
	"strings"
	"time"

	"feedsync/internal/models"
	"feedsync/internal/observability"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Token claims accepted by the API.
const (
	TokenIssuer   = "feedsync-api"
	TokenAudience = "feedsync-client"
)

// UserIDLocal is the Fiber locals key holding the authenticated user id.
const UserIDLocal = "userID"

// IssueToken signs an access token for userID.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iss": TokenIssuer,
		"aud": TokenAudience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AuthRequired rejects requests without a valid bearer token and attaches the user id
// to the request context.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authorization header required"))
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Invalid authorization header format"))
		}

		userID, err := parseToken(secret, parts[1])
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, err)
		}

		c.Locals(UserIDLocal, userID)
		// Sync to UserContext for logging and downstream services
		c.SetUserContext(observability.WithUserID(c.UserContext(), userID))

		return c.Next()
	}
}

func parseToken(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid signing method")
		}
		return []byte(secret), nil
	},
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
	)
	if err != nil || !token.Valid {
		return "", models.NewUnauthorizedError("Invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", models.NewUnauthorizedError("Invalid token claims")
	}

	// Extract user ID from "sub" claim (subject claim per RFC 7519)
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", models.NewUnauthorizedError("Invalid token structure - missing subject")
	}
	return sub, nil
}
