package source

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id, workspaceID string, fields map[string]any) Record {
	return Record{ID: id, Table: "files", WorkspaceID: workspaceID, Fields: fields}
}

func TestQuery_Validate(t *testing.T) {
	assert.ErrorIs(t, Query{}.Validate(), ErrNoTable)
	assert.ErrorIs(t, Query{Table: "files"}.Validate(), ErrUnscoped)
	assert.NoError(t, Query{Table: "files", WorkspaceID: "ws1"}.Validate())
	assert.NoError(t, Query{Table: "countries", Unscoped: true}.Validate())
	assert.ErrorIs(t, Query{Table: "files", WorkspaceID: "ws1", OrderBy: "name; drop"}.Validate(), ErrBadColumn)
	assert.ErrorIs(t, Query{Table: "files", WorkspaceID: "ws1", Filters: map[string]any{"Bad-Col": 1}}.Validate(), ErrBadColumn)
	assert.ErrorIs(t, Query{Table: "Files", WorkspaceID: "ws1"}.Validate(), ErrBadColumn)
}

func TestApply_ScopesByWorkspace(t *testing.T) {
	rows := []Record{
		rec("f1", "ws1", map[string]any{"name": "a"}),
		rec("f2", "ws2", map[string]any{"name": "b"}),
	}

	got := Apply(Query{Table: "files", WorkspaceID: "ws1"}, rows)
	require.Len(t, got, 1)
	assert.Equal(t, "f1", got[0].ID)
}

func TestApply_FiltersOrdersAndLimits(t *testing.T) {
	now := time.Now()
	deleted := now
	rows := []Record{
		rec("a", "ws1", map[string]any{"size": 3.0, "folder_id": "x"}),
		rec("b", "ws1", map[string]any{"size": 1.0, "folder_id": "x"}),
		rec("c", "ws1", map[string]any{"size": 2.0, "folder_id": "y"}),
		rec("d", "ws1", map[string]any{"size": 0.0, "folder_id": "x"}),
	}
	rows[3].DeletedAt = &deleted

	got := Apply(Query{
		Table:       "files",
		WorkspaceID: "ws1",
		Filters:     map[string]any{"folder_id": "x"},
		OrderBy:     "size",
	}, rows)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"b", "a"}, []string{got[0].ID, got[1].ID})

	got = Apply(Query{Table: "files", WorkspaceID: "ws1", OrderBy: "size", Descending: true, Limit: 1}, rows)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	got = Apply(Query{Table: "files", WorkspaceID: "ws1", IncludeDeleted: true}, rows)
	assert.Len(t, got, 4)
}

func TestApply_MatchesTextIgnoringCase(t *testing.T) {
	rows := []Record{
		rec("a", "ws1", map[string]any{"name": "Stage RIDER.pdf", "size": 3.0}),
		rec("b", "ws1", map[string]any{"name": "Site plan", "notes": "see rider"}),
		rec("c", "ws1", map[string]any{"name": "Budget", "size": 100.0}),
		rec("rider", "ws1", map[string]any{"name": "Keyed on id only"}),
	}

	got := Apply(Query{Table: "files", WorkspaceID: "ws1", Match: "Rider"}, rows)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"a", "b"}, []string{got[0].ID, got[1].ID})

	assert.Empty(t, Apply(Query{Table: "files", WorkspaceID: "ws1", Match: "100"}, rows))

	got = Apply(Query{Table: "files", WorkspaceID: "ws1", Match: "rider", Limit: 1}, rows)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestLikePattern_EscapesWildcards(t *testing.T) {
	assert.Equal(t, `%rider%`, LikePattern("Rider"))
	assert.Equal(t, `%100\%\_a\\b%`, LikePattern(`100%_a\b`))
}

func TestApply_ReturnsCopies(t *testing.T) {
	rows := []Record{rec("a", "ws1", map[string]any{"name": "orig"})}
	got := Apply(Query{Table: "files", WorkspaceID: "ws1"}, rows)
	got[0].Fields["name"] = "changed"
	assert.Equal(t, "orig", rows[0].Fields["name"])
}

func TestEqual_LooseStringMatch(t *testing.T) {
	assert.True(t, Equal(3.0, "3"))
	assert.True(t, Equal(true, "true"))
	assert.False(t, Equal(nil, "x"))
	assert.False(t, Equal("a", "b"))
}

func TestRecord_JSONRoundTripFlattens(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	original := Record{
		ID:          "f1",
		WorkspaceID: "ws1",
		Fields:      map[string]any{"name": "budget.xlsx"},
		CreatedAt:   created,
		UpdatedAt:   created,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "budget.xlsx", flat["name"])
	assert.Equal(t, "ws1", flat["workspace_id"])

	decoded := Record{Table: "files"}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "files", decoded.Table)
	assert.Equal(t, "f1", decoded.ID)
	assert.True(t, created.Equal(decoded.CreatedAt))
	assert.Equal(t, "budget.xlsx", decoded.Fields["name"])
}

type fileRow struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
}

func TestDecode_Typed(t *testing.T) {
	rows := []Record{rec("f1", "ws1", map[string]any{"name": "a.pdf", "size": 42.0})}

	typed, err := Decode[fileRow](rows)
	require.NoError(t, err)
	require.Len(t, typed, 1)
	assert.Equal(t, fileRow{ID: "f1", WorkspaceID: "ws1", Name: "a.pdf", Size: 42}, typed[0])

	same, err := Decode[Record](rows)
	require.NoError(t, err)
	assert.Equal(t, rows, same)
}

func TestEventFilter_Matches(t *testing.T) {
	event := ChangeEvent{Type: ChangeInsert, Table: "files", WorkspaceID: "ws1"}

	assert.True(t, EventFilter{Table: "files"}.Matches(event))
	assert.True(t, EventFilter{Table: "*"}.Matches(event))
	assert.True(t, EventFilter{Table: "files", WorkspaceID: "ws1", Types: []ChangeType{ChangeInsert}}.Matches(event))
	assert.False(t, EventFilter{Table: "folders"}.Matches(event))
	assert.False(t, EventFilter{Table: "files", WorkspaceID: "ws2"}.Matches(event))
	assert.False(t, EventFilter{Table: "files", Types: []ChangeType{ChangeDelete}}.Matches(event))
}

func TestFilterFor_MatchesQueryTable(t *testing.T) {
	filter := FilterFor(Query{Table: "events", WorkspaceID: "ws1"})
	assert.Equal(t, EventFilter{Table: "events", WorkspaceID: "ws1"}, filter)

	filter = FilterFor(Query{Table: "countries", WorkspaceID: "ignored", Unscoped: true})
	assert.Equal(t, "", filter.WorkspaceID)
}

func TestHandle_CloseAndDrop(t *testing.T) {
	closed := 0
	handle := NewHandle(func() { closed++ })
	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())
	<-handle.Done()
	assert.Equal(t, 1, closed)
	assert.NoError(t, handle.Err())

	dropped := NewHandle(nil)
	dropped.Drop(errors.New("socket reset"))
	<-dropped.Done()
	assert.ErrorIs(t, dropped.Err(), ErrDropped)
	assert.ErrorContains(t, dropped.Err(), "socket reset")
}
