package remote

import (
	"context"

	"feedsync/internal/observability"
)

// StaticAuth always reports the same user. An empty UserID means signed out.
type StaticAuth struct {
	UserID string
}

func (a StaticAuth) CurrentUserID(_ context.Context) (string, bool) {
	return a.UserID, a.UserID != ""
}

// ContextAuth reports the user attached to the request context by the auth middleware.
type ContextAuth struct{}

func (ContextAuth) CurrentUserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(observability.UserIDKey).(string)
	return id, ok && id != ""
}
