// Package sqlite provides a single-file data source on modernc.org/sqlite.
//
// Every logical table shares one physical "records" table; non-reserved
// columns live in a JSON document and are filtered and ordered with
// json_extract. Writes publish change events on a source.Feed.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/talosaether/hubs"
	"github.com/talosaether/hubs/realtime"
	"github.com/talosaether/hubs/source"

	_ "modernc.org/sqlite"
)

// timeLayout sorts lexically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Source is the SQLite source module.
type Source struct {
	db     *sql.DB
	dbPath string
	feed   source.Feed
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithDBPath sets the SQLite database path.
func WithDBPath(path string) Option {
	return func(src *Source) {
		src.dbPath = path
	}
}

// WithFeed sets the change feed writes publish on.
func WithFeed(feed source.Feed) Option {
	return func(src *Source) {
		src.feed = feed
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(src *Source) {
		src.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(src *Source) {
		src.logger = logger
	}
}

// New creates a SQLite source module. The database is opened in Init, or
// by Open when used without an App.
func New(opts ...Option) *Source {
	src := &Source{
		dbPath: "./data/hubs.db",
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(src)
	}
	return src
}

// Open opens the database at the configured path and creates the schema.
func (src *Source) Open() error {
	if src.db != nil {
		return nil
	}
	if src.feed == nil {
		src.feed = realtime.NewBus(realtime.WithBusLogger(src.logger))
	}

	dir := filepath.Dir(src.dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", src.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers; SQLite would otherwise report
	// SQLITE_BUSY under concurrent hooks.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	src.db = db
	return nil
}

func initSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			table_name TEXT NOT NULL,
			id TEXT NOT NULL,
			workspace_id TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT,
			PRIMARY KEY (table_name, id)
		);
		CREATE INDEX IF NOT EXISTS idx_records_scope ON records(table_name, workspace_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Name returns the module identifier.
func (src *Source) Name() string {
	return "source"
}

// Init reads source.db_path, adopts the App bus and opens the database.
func (src *Source) Init(ctx context.Context, app *hubs.App) error {
	src.logger = app.Logger()
	if cfg := app.ConfigData(); cfg != nil {
		if dbPath := cfg.GetString("source.db_path"); dbPath != "" {
			src.dbPath = dbPath
		}
	}
	if app.HasBus() {
		src.feed = app.Bus()
	}
	if err := src.Open(); err != nil {
		return fmt.Errorf("failed to create sqlite source: %w", err)
	}
	src.logger.Info("sqlite source initialized", "db_path", src.dbPath)
	return nil
}

// Shutdown closes the database.
func (src *Source) Shutdown(ctx context.Context) error {
	return src.Close()
}

// Close closes the database.
func (src *Source) Close() error {
	if src.db == nil {
		return nil
	}
	err := src.db.Close()
	src.db = nil
	return err
}

// Fetch returns the rows matching query.
func (src *Source) Fetch(ctx context.Context, query source.Query) ([]source.Record, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	statement, args := buildSelect(query)
	rows, err := src.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", query.Table, err)
	}
	defer rows.Close()

	var out []source.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", query.Table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", query.Table, err)
	}
	if out == nil {
		out = []source.Record{}
	}
	return out, nil
}

// column maps a logical column to its SQL expression. Callers validate
// name first.
func column(name string) string {
	switch name {
	case source.FieldID, source.FieldWorkspaceID, source.FieldCreatedAt, source.FieldUpdatedAt, source.FieldDeletedAt:
		return name
	}
	return "json_extract(data, '$." + name + "')"
}

func buildSelect(query source.Query) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT table_name, id, workspace_id, data, created_at, updated_at, deleted_at FROM records WHERE table_name = ?`)
	args := []any{query.Table}

	if !query.Unscoped {
		b.WriteString(` AND workspace_id = ?`)
		args = append(args, query.WorkspaceID)
	}
	if !query.IncludeDeleted {
		b.WriteString(` AND deleted_at IS NULL`)
	}
	for _, name := range sortedKeys(query.Filters) {
		b.WriteString(` AND ` + column(name) + ` = ?`)
		args = append(args, bindValue(query.Filters[name]))
	}
	if query.Match != "" {
		b.WriteString(` AND EXISTS (SELECT 1 FROM json_each(records.data) AS field WHERE field.type = 'text' AND lower(field.value) LIKE ? ESCAPE '\')`)
		args = append(args, source.LikePattern(query.Match))
	}

	if query.OrderBy != "" {
		direction := "ASC"
		if query.Descending {
			direction = "DESC"
		}
		b.WriteString(` ORDER BY ` + column(query.OrderBy) + ` ` + direction + `, created_at ASC, id ASC`)
	} else {
		b.WriteString(` ORDER BY created_at ASC, id ASC`)
	}
	if query.Limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, query.Limit)
	}
	return b.String(), args
}

// bindValue converts a filter value to what json_extract yields for it.
func bindValue(value any) any {
	switch typed := value.(type) {
	case bool:
		if typed {
			return 1
		}
		return 0
	case time.Time:
		return typed.UTC().Format(timeLayout)
	}
	return value
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (source.Record, error) {
	var (
		rec                  source.Record
		data                 string
		createdAt, updatedAt string
		deletedAt            sql.NullString
	)
	if err := row.Scan(&rec.Table, &rec.ID, &rec.WorkspaceID, &data, &createdAt, &updatedAt, &deletedAt); err != nil {
		return source.Record{}, err
	}
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return source.Record{}, fmt.Errorf("failed to decode row %s: %w", rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	rec.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	if deletedAt.Valid {
		if parsed, err := time.Parse(timeLayout, deletedAt.String); err == nil {
			rec.DeletedAt = &parsed
		}
	}
	return rec, nil
}

// Subscribe registers onChange on the change feed.
func (src *Source) Subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error) {
	if filter.Table == "" {
		return nil, source.ErrNoTable
	}
	return src.feed.Subscribe(ctx, filter, onChange)
}

// Insert stores a new row and publishes an INSERT event.
func (src *Source) Insert(ctx context.Context, table, workspaceID string, fields map[string]any) (source.Record, error) {
	if !source.ValidColumn(table) {
		return source.Record{}, fmt.Errorf("%w: table %q", source.ErrBadColumn, table)
	}
	rec := source.NewRecord(table, workspaceID, fields, src.now())
	if err := src.insert(ctx, rec); err != nil {
		return source.Record{}, err
	}
	src.feed.Publish(ctx, rec.Event(source.ChangeInsert))
	return rec, nil
}

// Put stores rec as-is, replacing any row with the same id.
func (src *Source) Put(ctx context.Context, rec source.Record) error {
	if !source.ValidColumn(rec.Table) {
		return fmt.Errorf("%w: table %q", source.ErrBadColumn, rec.Table)
	}
	if rec.ID == "" {
		return fmt.Errorf("record in %s has no id", rec.Table)
	}
	data, err := json.Marshal(fieldsOrEmpty(rec.Fields))
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	_, err = src.db.ExecContext(ctx,
		`INSERT INTO records (table_name, id, workspace_id, data, created_at, updated_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(table_name, id) DO UPDATE SET
		   workspace_id = excluded.workspace_id, data = excluded.data,
		   created_at = excluded.created_at, updated_at = excluded.updated_at, deleted_at = excluded.deleted_at`,
		rec.Table, rec.ID, rec.WorkspaceID, string(data),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatDeleted(rec.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	src.feed.Publish(ctx, rec.Event(source.ChangeUpdate))
	return nil
}

func (src *Source) insert(ctx context.Context, rec source.Record) error {
	data, err := json.Marshal(fieldsOrEmpty(rec.Fields))
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	_, err = src.db.ExecContext(ctx,
		`INSERT INTO records (table_name, id, workspace_id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Table, rec.ID, rec.WorkspaceID, string(data), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

// Update merges fields into an existing row and publishes an UPDATE event.
func (src *Source) Update(ctx context.Context, table, id string, fields map[string]any) (source.Record, error) {
	tx, err := src.db.BeginTx(ctx, nil)
	if err != nil {
		return source.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getRecord(ctx, tx, table, id)
	if err != nil {
		return source.Record{}, err
	}
	rec := current.Merge(fields, src.now())

	data, err := json.Marshal(fieldsOrEmpty(rec.Fields))
	if err != nil {
		return source.Record{}, fmt.Errorf("failed to encode record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET data = ?, updated_at = ? WHERE table_name = ? AND id = ?`,
		string(data), formatTime(rec.UpdatedAt), table, id); err != nil {
		return source.Record{}, fmt.Errorf("failed to update record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return source.Record{}, fmt.Errorf("failed to commit update: %w", err)
	}

	src.feed.Publish(ctx, rec.Event(source.ChangeUpdate))
	return rec, nil
}

// Delete soft-deletes a row and publishes a DELETE event.
func (src *Source) Delete(ctx context.Context, table, id string) error {
	tx, err := src.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := getRecord(ctx, tx, table, id)
	if err != nil {
		return err
	}
	if rec.DeletedAt != nil {
		return source.ErrNotFound
	}
	now := src.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET deleted_at = ?, updated_at = ? WHERE table_name = ? AND id = ?`,
		formatTime(now), formatTime(now), table, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	rec.DeletedAt = &now
	rec.UpdatedAt = now
	src.feed.Publish(ctx, rec.Event(source.ChangeDelete))
	return nil
}

func getRecord(ctx context.Context, tx *sql.Tx, table, id string) (source.Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT table_name, id, workspace_id, data, created_at, updated_at, deleted_at FROM records WHERE table_name = ? AND id = ?`,
		table, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return source.Record{}, source.ErrNotFound
		}
		return source.Record{}, err
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatDeleted(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func fieldsOrEmpty(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	return fields
}

func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
