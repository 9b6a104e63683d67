package redisfeed

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosaether/hubs/source"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type collector struct {
	mu     sync.Mutex
	events []source.ChangeEvent
}

func (c *collector) add(event source.ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestDeliver_SkipsOwnOrigin(t *testing.T) {
	ctx := context.Background()
	feed := New(WithLogger(quietLogger()))
	other := New(WithLogger(quietLogger()))

	var got collector
	sub, err := feed.Subscribe(ctx, source.EventFilter{Table: "files"}, got.add)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	event := source.ChangeEvent{Type: source.ChangeInsert, Table: "files", WorkspaceID: "ws1", RecordID: "f1"}
	own, err := feed.encode(event)
	require.NoError(t, err)
	assert.False(t, feed.deliver(ctx, own))

	remote, err := other.encode(event)
	require.NoError(t, err)
	assert.True(t, feed.deliver(ctx, remote))
	require.Equal(t, 1, got.count())
	assert.Equal(t, "f1", got.events[0].RecordID)

	assert.False(t, feed.deliver(ctx, "not json"))
	assert.False(t, feed.deliver(ctx, `{"origin":"x","event":{}}`))
	assert.Equal(t, 1, got.count())
}

func TestPublish_LocalWithoutRedis(t *testing.T) {
	ctx := context.Background()
	feed := New(WithLogger(quietLogger()))

	var got collector
	sub, err := feed.Subscribe(ctx, source.EventFilter{Table: "files", WorkspaceID: "ws1"}, got.add)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	feed.Publish(ctx, source.ChangeEvent{Type: source.ChangeInsert, Table: "files", WorkspaceID: "ws1"})
	feed.Publish(ctx, source.ChangeEvent{Type: source.ChangeInsert, Table: "files", WorkspaceID: "ws2"})
	assert.Equal(t, 1, got.count())
	assert.ErrorIs(t, feed.forward(ctx, source.ChangeEvent{Table: "files"}), ErrNotStarted)
	assert.NotEqual(t, feed.Origin(), New().Origin())
}

func redisAddr(t *testing.T) string {
	addr := os.Getenv("HUBS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HUBS_TEST_REDIS_ADDR not set")
	}
	return addr
}

func TestFeed_AcrossProcesses(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()
	channel := "hubs:test:" + uuid.New().String()

	first := New(WithAddr(addr), WithChannel(channel), WithLogger(quietLogger()))
	second := New(WithAddr(addr), WithChannel(channel), WithLogger(quietLogger()))
	require.NoError(t, first.Start(ctx))
	defer func() { _ = first.Shutdown(ctx) }()
	require.NoError(t, second.Start(ctx))
	defer func() { _ = second.Shutdown(ctx) }()

	var atFirst, atSecond collector
	sub1, err := first.Subscribe(ctx, source.EventFilter{Table: "files"}, atFirst.add)
	require.NoError(t, err)
	defer func() { _ = sub1.Close() }()
	sub2, err := second.Subscribe(ctx, source.EventFilter{Table: "files"}, atSecond.add)
	require.NoError(t, err)
	defer func() { _ = sub2.Close() }()

	first.Publish(ctx, source.ChangeEvent{Type: source.ChangeUpdate, Table: "files", WorkspaceID: "ws1", RecordID: "f1"})

	require.Eventually(t, func() bool { return atSecond.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	// The publisher hears its own event once, locally, and never again
	// from Redis.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, atFirst.count())
	assert.Equal(t, 1, atSecond.count())
}
