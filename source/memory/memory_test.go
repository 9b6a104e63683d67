package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosaether/hubs"
	"github.com/talosaether/hubs/realtime"
	"github.com/talosaether/hubs/source"
)

func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func TestSource_Name(t *testing.T) {
	assert.Equal(t, "source", New().Name())
}

func TestSource_FetchScopesByWorkspace(t *testing.T) {
	src := New(WithClock(steppingClock()))
	ctx := context.Background()

	_, err := src.Insert(ctx, "files", "ws1", map[string]any{"name": "a.txt"})
	require.NoError(t, err)
	_, err = src.Insert(ctx, "files", "ws2", map[string]any{"name": "b.txt"})
	require.NoError(t, err)

	rows, err := src.Fetch(ctx, source.Query{Table: "files", WorkspaceID: "ws1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a.txt", rows[0].String("name"))
	assert.Equal(t, "ws1", rows[0].WorkspaceID)

	_, err = src.Fetch(ctx, source.Query{Table: "files"})
	assert.ErrorIs(t, err, source.ErrUnscoped)
}

func TestSource_FetchOrdersAndFilters(t *testing.T) {
	src := New(WithClock(steppingClock()))
	ctx := context.Background()

	for _, name := range []string{"one", "two", "three"} {
		_, err := src.Insert(ctx, "tasks", "ws1", map[string]any{"title": name, "status": "open"})
		require.NoError(t, err)
	}
	_, err := src.Insert(ctx, "tasks", "ws1", map[string]any{"title": "four", "status": "done"})
	require.NoError(t, err)

	rows, err := src.Fetch(ctx, source.Query{
		Table:       "tasks",
		WorkspaceID: "ws1",
		Filters:     map[string]any{"status": "open"},
		OrderBy:     source.FieldCreatedAt,
		Descending:  true,
		Limit:       2,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "three", rows[0].String("title"))
	assert.Equal(t, "two", rows[1].String("title"))
}

func TestSource_FetchMatchesText(t *testing.T) {
	src := New(WithClock(steppingClock()))
	ctx := context.Background()

	for _, title := range []string{"Load-in Rider", "Catering", "rider addendum"} {
		_, err := src.Insert(ctx, "tasks", "ws1", map[string]any{"title": title})
		require.NoError(t, err)
	}

	rows, err := src.Fetch(ctx, source.Query{Table: "tasks", WorkspaceID: "ws1", Match: "RIDER", OrderBy: "title"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Load-in Rider", rows[0].String("title"))
	assert.Equal(t, "rider addendum", rows[1].String("title"))
}

func TestSource_UpdateAndDelete(t *testing.T) {
	src := New(WithClock(steppingClock()))
	ctx := context.Background()

	rec, err := src.Insert(ctx, "files", "ws1", map[string]any{"name": "draft.txt"})
	require.NoError(t, err)

	updated, err := src.Update(ctx, "files", rec.ID, map[string]any{"name": "final.txt", "id": "hijack"})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, updated.ID)
	assert.Equal(t, "final.txt", updated.String("name"))
	assert.True(t, updated.UpdatedAt.After(rec.UpdatedAt))

	require.NoError(t, src.Delete(ctx, "files", rec.ID))
	assert.ErrorIs(t, src.Delete(ctx, "files", rec.ID), source.ErrNotFound)

	rows, err := src.Fetch(ctx, source.Query{Table: "files", WorkspaceID: "ws1"})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = src.Fetch(ctx, source.Query{Table: "files", WorkspaceID: "ws1", IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotNil(t, rows[0].DeletedAt)

	_, err = src.Update(ctx, "files", "missing", nil)
	assert.ErrorIs(t, err, source.ErrNotFound)
}

func TestSource_WritesPublishEvents(t *testing.T) {
	src := New(WithClock(steppingClock()))
	ctx := context.Background()

	var mu sync.Mutex
	var events []source.ChangeEvent
	handle, err := src.Subscribe(ctx, source.EventFilter{Table: "files", WorkspaceID: "ws1"}, func(event source.ChangeEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer handle.Close()

	rec, err := src.Insert(ctx, "files", "ws1", map[string]any{"name": "a"})
	require.NoError(t, err)
	_, err = src.Insert(ctx, "files", "ws2", map[string]any{"name": "other tenant"})
	require.NoError(t, err)
	_, err = src.Update(ctx, "files", rec.ID, map[string]any{"name": "b"})
	require.NoError(t, err)
	require.NoError(t, src.Delete(ctx, "files", rec.ID))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, source.ChangeInsert, events[0].Type)
	assert.Equal(t, source.ChangeUpdate, events[1].Type)
	assert.Equal(t, source.ChangeDelete, events[2].Type)
	assert.Equal(t, rec.ID, events[2].RecordID)
}

func TestSource_ReturnsCopies(t *testing.T) {
	src := New()
	ctx := context.Background()

	_, err := src.Insert(ctx, "files", "ws1", map[string]any{"name": "a"})
	require.NoError(t, err)

	rows, err := src.Fetch(ctx, source.Query{Table: "files", WorkspaceID: "ws1"})
	require.NoError(t, err)
	rows[0].Fields["name"] = "mutated"

	rows, err = src.Fetch(ctx, source.Query{Table: "files", WorkspaceID: "ws1"})
	require.NoError(t, err)
	assert.Equal(t, "a", rows[0].String("name"))
}

func TestSource_PutKeepsTimestamps(t *testing.T) {
	src := New()
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, src.Put(ctx, source.Record{ID: "f1", Table: "folders", WorkspaceID: "ws1", CreatedAt: created, UpdatedAt: created}))
	assert.Error(t, src.Put(ctx, source.Record{Table: "folders"}))

	rows, err := src.Fetch(ctx, source.Query{Table: "folders", WorkspaceID: "ws1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, created, rows[0].CreatedAt)
	assert.Equal(t, []string{"folders"}, src.Tables())
}

func TestSource_InitUsesAppBus(t *testing.T) {
	bus := realtime.NewBus()
	src := New()
	app := hubs.New(hubs.WithModules(bus, src))
	defer app.Shutdown(context.Background())

	assert.Same(t, src, app.Source())

	received := 0
	bus.Listen(source.EventFilter{Table: "files"}, func(ctx context.Context, event source.ChangeEvent) {
		received++
	})
	_, err := src.Insert(context.Background(), "files", "ws1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, received)
}
