// Package notifications publishes feed sync events to Redis channels for an outer
// push-notification layer.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"feedsync/internal/observability"

	"github.com/redis/go-redis/v9"
)

// Event types published by the upload worker.
const (
	EventPostSynced     = "post_synced"
	EventPostSyncFailed = "post_sync_failed"
)

// Event is the payload published on a user's feed channel.
type Event struct {
	Type      string    `json:"type"`
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	MediaURLs []string  `json:"media_urls,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier provides helpers to publish feed events into Redis channels
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
// A nil client disables publishing.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// UserChannel returns the channel feed events for a user are published on.
func UserChannel(userID string) string {
	return fmt.Sprintf("feedsync:user:%s", userID)
}

// Publish sends an event to the owning user's channel.
func (n *Notifier) Publish(ctx context.Context, ev Event) error {
	if n == nil || n.rdb == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.rdb.Publish(ctx, UserChannel(ev.UserID), string(payload)).Err()
}

// Subscribe listens on all user feed channels and calls onEvent for each decoded event
// until ctx is cancelled.
func (n *Notifier) Subscribe(ctx context.Context, onEvent func(Event)) error {
	if n == nil || n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, "feedsync:user:*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					observability.Logger.Warn("Dropping malformed feed event",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.Logger.Error("panic in feed event subscriber",
								slog.Any("panic", r),
								slog.String("stack", string(debug.Stack())),
							)
						}
					}()
					onEvent(ev)
				}()
			}
		}
	}()

	return nil
}
