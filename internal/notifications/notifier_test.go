package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_PublishAndSubscribe(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	n := NewNotifier(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Event, 1)
	require.NoError(t, n.Subscribe(ctx, func(ev Event) { received <- ev }))

	require.NoError(t, n.Publish(ctx, Event{
		Type:      EventPostSynced,
		PostID:    "p1",
		UserID:    "u1",
		MediaURLs: []string{"http://cdn/p1/0.jpg"},
	}))

	select {
	case ev := <-received:
		assert.Equal(t, EventPostSynced, ev.Type)
		assert.Equal(t, "p1", ev.PostID)
		assert.Equal(t, []string{"http://cdn/p1/0.jpg"}, ev.MediaURLs)
		assert.False(t, ev.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}
}

func TestNotifier_NilClientIsNoop(t *testing.T) {
	n := NewNotifier(nil)
	assert.NoError(t, n.Publish(context.Background(), Event{Type: EventPostSyncFailed}))
	assert.NoError(t, n.Subscribe(context.Background(), func(Event) {}))

	var nilNotifier *Notifier
	assert.NoError(t, nilNotifier.Publish(context.Background(), Event{}))
}

func TestUserChannel(t *testing.T) {
	assert.Equal(t, "feedsync:user:abc", UserChannel("abc"))
}
