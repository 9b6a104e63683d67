package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/talosaether/hubs/source"
)

// reservedColumns lists the bookkeeping columns text matching skips.
var reservedColumns = "'" + strings.Join([]string{
	source.FieldID, source.FieldWorkspaceID, source.FieldCreatedAt, source.FieldUpdatedAt, source.FieldDeletedAt,
}, "', '") + "'"

// tableName quotes a validated table name.
func tableName(table string) string {
	return pgx.Identifier{table}.Sanitize()
}

// columnName quotes a validated column name.
func columnName(column string) string {
	return pgx.Identifier{column}.Sanitize()
}

// buildSelect renders query as one statement returning a JSON row per
// record. Filters compare as text so a filter that arrived as a string
// still matches a numeric or boolean column.
func buildSelect(query source.Query) (string, []any) {
	var b strings.Builder
	var args []any
	next := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	b.WriteString("SELECT row_to_json(t)::text FROM ")
	b.WriteString(tableName(query.Table))
	b.WriteString(" AS t WHERE true")

	if !query.Unscoped {
		b.WriteString(" AND t.workspace_id::text = " + next(query.WorkspaceID))
	}
	if !query.IncludeDeleted {
		b.WriteString(" AND t.deleted_at IS NULL")
	}

	columns := make([]string, 0, len(query.Filters))
	for column := range query.Filters {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	for _, column := range columns {
		value := query.Filters[column]
		if value == nil {
			b.WriteString(" AND t." + columnName(column) + " IS NULL")
			continue
		}
		b.WriteString(" AND t." + columnName(column) + "::text = " + next(fmt.Sprint(value)))
	}
	if query.Match != "" {
		b.WriteString(" AND EXISTS (SELECT 1 FROM jsonb_each(to_jsonb(t)) AS field WHERE field.key NOT IN (" + reservedColumns + ")" +
			" AND jsonb_typeof(field.value) = 'string' AND lower(field.value #>> '{}') LIKE " + next(source.LikePattern(query.Match)) + ` ESCAPE '\')`)
	}

	if query.OrderBy != "" {
		direction := " ASC NULLS FIRST"
		if query.Descending {
			direction = " DESC NULLS LAST"
		}
		b.WriteString(" ORDER BY t." + columnName(query.OrderBy) + direction)
	}
	if query.Limit > 0 {
		b.WriteString(" LIMIT " + next(query.Limit))
	}
	return b.String(), args
}

// buildInsert renders an INSERT of rec returning the stored row.
func buildInsert(rec source.Record) (string, []any) {
	columns := []string{source.FieldID, source.FieldWorkspaceID, source.FieldCreatedAt, source.FieldUpdatedAt}
	args := []any{rec.ID, rec.WorkspaceID, rec.CreatedAt, rec.UpdatedAt}
	if rec.WorkspaceID == "" {
		args[1] = nil
	}

	names := make([]string, 0, len(rec.Fields))
	for name := range rec.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		columns = append(columns, name)
		args = append(args, rec.Fields[name])
	}

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = columnName(column)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	statement := fmt.Sprintf("INSERT INTO %s AS t (%s) VALUES (%s) RETURNING row_to_json(t)::text",
		tableName(rec.Table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	return statement, args
}

// buildUpdate renders an UPDATE of the non-reserved fields returning the
// stored row.
func buildUpdate(table, id string, fields map[string]any, now any) (string, []any) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		switch name {
		case source.FieldID, source.FieldWorkspaceID, source.FieldCreatedAt, source.FieldUpdatedAt, source.FieldDeletedAt:
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var args []any
	sets := make([]string, 0, len(names)+1)
	for _, name := range names {
		args = append(args, fields[name])
		sets = append(sets, fmt.Sprintf("%s = $%d", columnName(name), len(args)))
	}
	args = append(args, now)
	sets = append(sets, fmt.Sprintf("%s = $%d", columnName(source.FieldUpdatedAt), len(args)))
	args = append(args, id)

	statement := fmt.Sprintf("UPDATE %s AS t SET %s WHERE t.id::text = $%d AND t.deleted_at IS NULL RETURNING row_to_json(t)::text",
		tableName(table), strings.Join(sets, ", "), len(args))
	return statement, args
}

// buildSoftDelete renders the soft delete of one row.
func buildSoftDelete(table string) string {
	return fmt.Sprintf("UPDATE %s AS t SET deleted_at = $1, updated_at = $1 WHERE t.id::text = $2 AND t.deleted_at IS NULL",
		tableName(table))
}

// validateFields rejects column names that are not plain identifiers.
func validateFields(fields map[string]any) error {
	for name := range fields {
		if !source.ValidColumn(name) {
			return fmt.Errorf("%w: %q", source.ErrBadColumn, name)
		}
	}
	return nil
}
