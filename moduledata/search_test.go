package moduledata

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosaether/hubs/source"
	"github.com/talosaether/hubs/source/memory"
)

func seededMemory(t *testing.T) *memory.Source {
	t.Helper()
	ctx := context.Background()
	src := memory.New(memory.WithLogger(quietLogger()))
	for _, row := range []struct {
		table, workspace, name string
	}{
		{"files", "ws1", "Stage rider.pdf"},
		{"files", "ws1", "Hospitality rider.pdf"},
		{"files", "ws1", "Site plan.dwg"},
		{"files", "ws2", "Rider from another tenant.pdf"},
		{"tours", "ws1", "Summer tour"},
	} {
		_, err := src.Insert(ctx, row.table, row.workspace, map[string]any{"name": row.name})
		require.NoError(t, err)
	}
	return src
}

func newTestSearch(t *testing.T, src source.Source, workspaceID string, opts ...SearchOption) *Search {
	t.Helper()
	base := []SearchOption{WithSearchDebounce(5 * time.Millisecond), WithSearchLogger(quietLogger()), WithSearchTables("files", "tours")}
	search := NewSearch(src, DefaultRegistry(), workspaceID, append(base, opts...)...)
	t.Cleanup(search.Close)
	return search
}

func waitSearch(t *testing.T, search *Search) SearchState {
	t.Helper()
	require.Eventually(t, func() bool {
		return !search.State().Loading
	}, 2*time.Second, 5*time.Millisecond)
	return search.State()
}

func hitNames(state SearchState) []string {
	var names []string
	for _, hit := range state.Hits {
		names = append(names, hit.Record.String("name"))
	}
	return names
}

func TestSearch_FindsWithinWorkspace(t *testing.T) {
	search := newTestSearch(t, seededMemory(t), "ws1")

	search.SetQuery("RIDER")
	assert.True(t, search.State().Loading)

	state := waitSearch(t, search)
	require.NoError(t, state.Err)
	assert.ElementsMatch(t, []string{"Stage rider.pdf", "Hospitality rider.pdf"}, hitNames(state))
	for _, hit := range state.Hits {
		assert.Equal(t, "files", hit.Table)
		assert.Equal(t, "ws1", hit.Record.WorkspaceID)
	}
}

func TestSearch_ShortQueryClears(t *testing.T) {
	search := newTestSearch(t, seededMemory(t), "ws1")

	search.SetQuery("tour")
	state := waitSearch(t, search)
	assert.Equal(t, []string{"Summer tour"}, hitNames(state))

	search.SetQuery("t")
	state = search.State()
	assert.False(t, state.Loading)
	assert.Empty(t, state.Hits)
}

func TestSearch_Limit(t *testing.T) {
	search := newTestSearch(t, seededMemory(t), "ws1", WithSearchLimit(1))

	search.SetQuery("pdf")
	state := waitSearch(t, search)
	assert.Len(t, state.Hits, 1)
}

func TestSearch_LatestQueryWins(t *testing.T) {
	src := newFakeSource()
	search := newTestSearch(t, src, "ws1", WithSearchTables("files"))

	search.SetQuery("alpha")
	stale := src.next(t)

	search.SetQuery("beta")
	assert.ErrorIs(t, stale.ctx.Err(), context.Canceled)

	call := src.next(t)
	call.respond(rows("ws1", "beta-1"), nil)

	state := waitSearch(t, search)
	assert.Equal(t, "beta", state.Query)
	require.Len(t, state.Hits, 1)
	assert.Equal(t, "beta-1", state.Hits[0].Record.ID)
}

func TestSearch_DebounceCollapsesTyping(t *testing.T) {
	src := newFakeSource()
	search := newTestSearch(t, src, "ws1", WithSearchTables("files"), WithSearchDebounce(40*time.Millisecond))

	for _, text := range []string{"ri", "rid", "ride", "rider"} {
		search.SetQuery(text)
	}
	call := src.next(t)
	call.respond(nil, nil)
	src.expectNoFetch(t, 80*time.Millisecond)
	assert.Equal(t, "rider", waitSearch(t, search).Query)
}

func TestSearch_NoWorkspace(t *testing.T) {
	src := newFakeSource()
	search := newTestSearch(t, src, "")

	search.SetQuery("rider")
	src.expectNoFetch(t, 30*time.Millisecond)
	state := search.State()
	assert.Empty(t, state.Hits)
	assert.False(t, state.Loading)
	assert.ErrorIs(t, state.Err, ErrNoWorkspace)
}

func TestSearch_PushesMatchAndLimitToSource(t *testing.T) {
	src := newFakeSource()
	search := newTestSearch(t, src, "ws1", WithSearchTables("files"), WithSearchLimit(3))

	search.SetQuery("  Rider ")
	call := src.next(t)
	assert.Equal(t, "files", call.query.Table)
	assert.Equal(t, "ws1", call.query.WorkspaceID)
	assert.Equal(t, "Rider", call.query.Match)
	assert.Equal(t, 3, call.query.Limit)
	call.respond(rows("ws1", "a", "b"), nil)

	state := waitSearch(t, search)
	require.NoError(t, state.Err)
	assert.Len(t, state.Hits, 2)
}

func TestSearch_ObserverMaySetQuery(t *testing.T) {
	search := newTestSearch(t, seededMemory(t), "ws1")

	done := make(chan struct{})
	var once atomic.Bool
	cancel := search.Subscribe(func(state SearchState) {
		if state.Query == "site" && !state.Loading && once.CompareAndSwap(false, true) {
			search.SetQuery("summer")
			close(done)
		}
	})
	defer cancel()

	search.SetQuery("site")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not run")
	}
	state := waitSearch(t, search)
	assert.Equal(t, []string{"Summer tour"}, hitNames(state))
}

func TestSearch_Subscribe(t *testing.T) {
	search := newTestSearch(t, seededMemory(t), "ws1")

	seen := make(chan SearchState, 8)
	cancel := search.Subscribe(func(state SearchState) { seen <- state })
	defer cancel()

	search.SetQuery("site")
	first := <-seen
	assert.True(t, first.Loading)

	select {
	case state := <-seen:
		assert.False(t, state.Loading)
		assert.Equal(t, []string{"Site plan.dwg"}, hitNames(state))
	case <-time.After(2 * time.Second):
		t.Fatal("no search result")
	}
}
