package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosaether/hubs/source"
)

func TestBuildSelect_Scoped(t *testing.T) {
	statement, args := buildSelect(source.Query{Table: "files", WorkspaceID: "ws1"})

	assert.Equal(t, `SELECT row_to_json(t)::text FROM "files" AS t WHERE true AND t.workspace_id::text = $1 AND t.deleted_at IS NULL`, statement)
	assert.Equal(t, []any{"ws1"}, args)
}

func TestBuildSelect_FiltersOrderLimit(t *testing.T) {
	statement, args := buildSelect(source.Query{
		Table:       "tasks",
		WorkspaceID: "ws1",
		Filters:     map[string]any{"status": "open", "production_id": 7, "parent_id": nil},
		OrderBy:     "created_at",
		Descending:  true,
		Limit:       50,
	})

	assert.Equal(t, `SELECT row_to_json(t)::text FROM "tasks" AS t WHERE true`+
		` AND t.workspace_id::text = $1 AND t.deleted_at IS NULL`+
		` AND t."parent_id" IS NULL AND t."production_id"::text = $2 AND t."status"::text = $3`+
		` ORDER BY t."created_at" DESC NULLS LAST LIMIT $4`, statement)
	assert.Equal(t, []any{"ws1", "7", "open", 50}, args)
}

func TestBuildSelect_Match(t *testing.T) {
	statement, args := buildSelect(source.Query{Table: "files", WorkspaceID: "ws1", Match: "Rider_1", Limit: 50})

	assert.Equal(t, `SELECT row_to_json(t)::text FROM "files" AS t WHERE true`+
		` AND t.workspace_id::text = $1 AND t.deleted_at IS NULL`+
		` AND EXISTS (SELECT 1 FROM jsonb_each(to_jsonb(t)) AS field`+
		` WHERE field.key NOT IN ('id', 'workspace_id', 'created_at', 'updated_at', 'deleted_at')`+
		` AND jsonb_typeof(field.value) = 'string' AND lower(field.value #>> '{}') LIKE $2 ESCAPE '\')`+
		` LIMIT $3`, statement)
	assert.Equal(t, []any{"ws1", `%rider\_1%`, 50}, args)
}

func TestBuildSelect_UnscopedWithDeleted(t *testing.T) {
	statement, args := buildSelect(source.Query{Table: "modules", Unscoped: true, IncludeDeleted: true, OrderBy: "name"})

	assert.Equal(t, `SELECT row_to_json(t)::text FROM "modules" AS t WHERE true ORDER BY t."name" ASC NULLS FIRST`, statement)
	assert.Empty(t, args)
}

func TestBuildInsert(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := source.NewRecord("files", "ws1", map[string]any{"id": "f1", "name": "a.txt", "size": 3}, now)

	statement, args := buildInsert(rec)

	assert.Equal(t, `INSERT INTO "files" AS t ("id", "workspace_id", "created_at", "updated_at", "name", "size")`+
		` VALUES ($1, $2, $3, $4, $5, $6) RETURNING row_to_json(t)::text`, statement)
	assert.Equal(t, []any{"f1", "ws1", now, now, "a.txt", 3}, args)
}

func TestBuildUpdate_SkipsReserved(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	statement, args := buildUpdate("files", "f1", map[string]any{"name": "b.txt", "workspace_id": "ws2", "id": "x"}, now)

	assert.Equal(t, `UPDATE "files" AS t SET "name" = $1, "updated_at" = $2`+
		` WHERE t.id::text = $3 AND t.deleted_at IS NULL RETURNING row_to_json(t)::text`, statement)
	assert.Equal(t, []any{"b.txt", now, "f1"}, args)
}

func TestValidateFields(t *testing.T) {
	require.NoError(t, validateFields(map[string]any{"name": 1}))
	assert.ErrorIs(t, validateFields(map[string]any{`name"; --`: 1}), source.ErrBadColumn)
}

func TestDecodeRow(t *testing.T) {
	rec, err := decodeRow("files", `{"id":"f1","workspace_id":"ws1","name":"a","created_at":"2025-03-01T09:00:00.123456+00:00","updated_at":"2025-03-01T09:00:00+00:00","deleted_at":null}`)
	require.NoError(t, err)

	assert.Equal(t, "f1", rec.ID)
	assert.Equal(t, "files", rec.Table)
	assert.Equal(t, "ws1", rec.WorkspaceID)
	assert.Equal(t, "a", rec.String("name"))
	assert.Equal(t, 2025, rec.CreatedAt.Year())
	assert.Nil(t, rec.DeletedAt)

	_, err = decodeRow("files", `not json`)
	assert.Error(t, err)
}
