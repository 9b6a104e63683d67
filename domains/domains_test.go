package domains

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosaether/hubs/moduledata"
	"github.com/talosaether/hubs/realtime"
	"github.com/talosaether/hubs/source"
	"github.com/talosaether/hubs/source/memory"
)

func hookOptions() Option {
	return WithHookOptions(
		moduledata.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		moduledata.WithCoalesceWindow(0),
	)
}

func newMemory() *memory.Source {
	return memory.New(memory.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func settled[T any](t *testing.T, hook *moduledata.Hook[T]) moduledata.State[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := hook.Settled(ctx)
	require.NoError(t, err)
	return state
}

func TestCatalog_SubscriptionWatchesFetchedTable(t *testing.T) {
	src := newMemory()
	for domain, spec := range Catalog {
		t.Run(string(domain), func(t *testing.T) {
			hook, err := New[source.Record](src, domain, "ws1", hookOptions())
			require.NoError(t, err)
			hook.Mount(context.Background())
			defer hook.Unmount()

			state := settled(t, hook)
			require.NoError(t, state.Err)
			require.Eventually(t, func() bool {
				return hook.ChannelState() == realtime.Open
			}, 2*time.Second, 5*time.Millisecond)

			assert.Equal(t, spec.Table, hook.FetchedTable())
			assert.Equal(t, hook.FetchedTable(), hook.SubscribedTable())
		})
	}
}

func TestCatalog_Valid(t *testing.T) {
	for domain, spec := range Catalog {
		assert.True(t, source.ValidColumn(spec.Table), "%s table", domain)
		assert.True(t, source.ValidColumn(spec.OrderBy), "%s order", domain)
		if spec.Parent != "" {
			assert.True(t, source.ValidColumn(spec.Parent), "%s parent", domain)
		}
		assert.NotEmpty(t, spec.Module, "%s module", domain)
	}
}

func TestNew_Errors(t *testing.T) {
	src := newMemory()

	_, err := New[source.Record](src, Domain("nope"), "ws1")
	assert.ErrorIs(t, err, ErrUnknownDomain)

	_, err = New[source.Record](src, Reports, "ws1", ForParent("p1"))
	assert.ErrorIs(t, err, ErrNoParent)
}

func TestNewEvents_ForProduction(t *testing.T) {
	ctx := context.Background()
	src := newMemory()
	start := time.Date(2026, 10, 16, 19, 0, 0, 0, time.UTC)
	for _, row := range []map[string]any{
		{"name": "Load in", "production_id": "p1", "start_time": start.Add(-4 * time.Hour)},
		{"name": "Doors", "production_id": "p1", "start_time": start},
		{"name": "Other show", "production_id": "p2", "start_time": start},
	} {
		_, err := src.Insert(ctx, "events", "ws1", row)
		require.NoError(t, err)
	}

	hook, err := NewEvents(src, "ws1", ForParent("p1"), hookOptions())
	require.NoError(t, err)
	hook.Mount(ctx)
	defer hook.Unmount()

	state := settled(t, hook)
	require.NoError(t, state.Err)
	require.Len(t, state.Data, 2)
	assert.Equal(t, "Load in", state.Data[0].Name)
	assert.Equal(t, "Doors", state.Data[1].Name)
	assert.True(t, state.Data[1].StartTime.Equal(start))
	assert.Equal(t, "p1", state.Data[0].ProductionID)
}

func TestNewRunOfShow_LiveUpdates(t *testing.T) {
	ctx := context.Background()
	src := newMemory()
	_, err := src.Insert(ctx, "run_of_show", "ws1", map[string]any{"event_id": "e1", "sequence_number": 2, "title": "Headliner"})
	require.NoError(t, err)

	hook, err := NewRunOfShow(src, "ws1", ForParent("e1"), hookOptions())
	require.NoError(t, err)
	hook.Mount(ctx)
	defer hook.Unmount()
	require.Len(t, settled(t, hook).Data, 1)
	require.Eventually(t, func() bool {
		return hook.ChannelState() == realtime.Open
	}, 2*time.Second, 5*time.Millisecond)

	_, err = src.Insert(ctx, "run_of_show", "ws1", map[string]any{"event_id": "e1", "sequence_number": 1, "title": "Opener"})
	require.NoError(t, err)
	_, err = src.Insert(ctx, "run_of_show", "ws1", map[string]any{"event_id": "e2", "sequence_number": 1, "title": "Elsewhere"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(hook.State().Data) == 2
	}, 2*time.Second, 5*time.Millisecond)
	data := hook.State().Data
	assert.Equal(t, "Opener", data[0].Title)
	assert.Equal(t, "Headliner", data[1].Title)
}

func TestNew_EmptyWorkspace(t *testing.T) {
	hook, err := NewTours(newMemory(), "", hookOptions())
	require.NoError(t, err)
	hook.Mount(context.Background())
	defer hook.Unmount()

	state := hook.State()
	assert.ErrorIs(t, state.Err, moduledata.ErrNoWorkspace)
	assert.Nil(t, state.Data)
	assert.False(t, state.Loading)
	assert.Equal(t, "", hook.SubscribedTable())
}

func TestIncidents_NewestFirst(t *testing.T) {
	ctx := context.Background()
	src := newMemory()
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	for i, title := range []string{"oldest", "middle", "newest"} {
		_, err := src.Insert(ctx, "incidents", "ws1", map[string]any{"title": title, "occurred_at": base.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}

	hook, err := NewIncidents(src, "ws1", hookOptions())
	require.NoError(t, err)
	hook.Mount(ctx)
	defer hook.Unmount()

	state := settled(t, hook)
	require.Len(t, state.Data, 3)
	assert.Equal(t, "newest", state.Data[0].Title)
	assert.Equal(t, "oldest", state.Data[2].Title)
}
