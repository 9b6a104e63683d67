package postgres

import (
	"context"
	"fmt"

	"github.com/talosaether/hubs/source"
)

// notifyFunction publishes one JSON change event per row mutation. A soft
// delete (deleted_at going from NULL to a value) is reported as DELETE.
const notifyFunction = `
CREATE OR REPLACE FUNCTION hubs_notify_change() RETURNS trigger AS $$
DECLARE
	rec jsonb;
	op text := TG_OP;
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := to_jsonb(OLD);
	ELSE
		rec := to_jsonb(NEW);
		IF TG_OP = 'UPDATE' AND rec->>'deleted_at' IS NOT NULL AND to_jsonb(OLD)->>'deleted_at' IS NULL THEN
			op := 'DELETE';
		END IF;
	END IF;
	PERFORM pg_notify(TG_ARGV[0], json_build_object(
		'type', op,
		'table', TG_TABLE_NAME,
		'workspace_id', rec->>'workspace_id',
		'record_id', rec->>'id',
		'at', now()
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;
`

// InstallChangeTrigger attaches the change trigger to table. Safe to call
// again; the trigger is replaced.
func (src *Source) InstallChangeTrigger(ctx context.Context, table string) error {
	if !source.ValidColumn(table) {
		return fmt.Errorf("%w: table %q", source.ErrBadColumn, table)
	}
	if _, err := src.pool.Exec(ctx, notifyFunction); err != nil {
		return fmt.Errorf("failed to create notify function: %w", err)
	}

	statement := fmt.Sprintf(`
		DROP TRIGGER IF EXISTS hubs_notify_change ON %[1]s;
		CREATE TRIGGER hubs_notify_change
			AFTER INSERT OR UPDATE OR DELETE ON %[1]s
			FOR EACH ROW EXECUTE FUNCTION hubs_notify_change('%[2]s');
	`, tableName(table), src.channel)
	if _, err := src.pool.Exec(ctx, statement); err != nil {
		return fmt.Errorf("failed to install change trigger on %s: %w", table, err)
	}

	src.logger.Info("change trigger installed", "table", table, "channel", src.channel)
	return nil
}

// Column is an extra column for EnsureTable.
type Column struct {
	Name string
	Type string
}

// EnsureTable creates table with the reserved columns plus extra, and
// installs the change trigger. Column types are passed through as SQL.
func (src *Source) EnsureTable(ctx context.Context, table string, extra ...Column) error {
	if !source.ValidColumn(table) {
		return fmt.Errorf("%w: table %q", source.ErrBadColumn, table)
	}
	definition := `id text PRIMARY KEY,
			workspace_id text,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now(),
			deleted_at timestamptz`
	for _, column := range extra {
		if !source.ValidColumn(column.Name) {
			return fmt.Errorf("%w: %q", source.ErrBadColumn, column.Name)
		}
		definition += ",\n\t\t\t" + columnName(column.Name) + " " + column.Type
	}

	statement := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			%[2]s
		);
		CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (workspace_id);
	`, tableName(table), definition, columnName(table+"_workspace_idx"))
	if _, err := src.pool.Exec(ctx, statement); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return src.InstallChangeTrigger(ctx, table)
}
