// Package postgres provides a data source on a PostgreSQL pool.
//
// Each logical table is a real table with id, workspace_id, created_at,
// updated_at and deleted_at columns. Rows are read as row_to_json so any
// extra columns land in Record.Fields. Changes arrive through LISTEN/NOTIFY:
// InstallChangeTrigger attaches a trigger that notifies the source channel
// on every insert, update and delete, so writes made by other processes are
// observed too.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/talosaether/hubs"
	"github.com/talosaether/hubs/source"
)

// DefaultChannel is the NOTIFY channel change triggers publish on.
const DefaultChannel = "hubs_changes"

// Source is the PostgreSQL source module.
type Source struct {
	dsn      string
	pool     *pgxpool.Pool
	ownsPool bool
	channel  string
	tables   []string
	now      func() time.Time
	logger   *slog.Logger
	listener *listener
}

// Option configures a Source.
type Option func(*Source)

// WithDSN sets the connection string.
func WithDSN(dsn string) Option {
	return func(src *Source) {
		src.dsn = dsn
	}
}

// WithPool uses an existing pool. The source does not close it.
func WithPool(pool *pgxpool.Pool) Option {
	return func(src *Source) {
		src.pool = pool
	}
}

// WithChannel sets the NOTIFY channel.
func WithChannel(channel string) Option {
	return func(src *Source) {
		src.channel = channel
	}
}

// WithTriggers installs change triggers on tables during Init.
func WithTriggers(tables ...string) Option {
	return func(src *Source) {
		src.tables = append(src.tables, tables...)
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

// New creates a PostgreSQL source module.
func New(opts ...Option) *Source {
	src := &Source{
		channel: DefaultChannel,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(src)
	}
	return src
}

// Name returns the module identifier.
func (src *Source) Name() string {
	return "source"
}

// Init reads source.dsn, source.channel and source.triggers, connects and
// installs triggers.
func (src *Source) Init(ctx context.Context, app *hubs.App) error {
	src.logger = app.Logger()
	if cfg := app.ConfigData(); cfg != nil {
		if dsn := cfg.GetString("source.dsn"); dsn != "" {
			src.dsn = dsn
		}
		if channel := cfg.GetString("source.channel"); channel != "" {
			src.channel = channel
		}
		src.tables = append(src.tables, cfg.GetStrings("source.triggers")...)
	}
	if err := src.Connect(ctx); err != nil {
		return err
	}
	for _, table := range src.tables {
		if err := src.InstallChangeTrigger(ctx, table); err != nil {
			return err
		}
	}
	src.logger.Info("postgres source initialized", "channel", src.channel, "triggers", len(src.tables))
	return nil
}

// Connect opens the pool unless one was supplied.
func (src *Source) Connect(ctx context.Context) error {
	if !source.ValidColumn(src.channel) {
		return fmt.Errorf("%w: channel %q", source.ErrBadColumn, src.channel)
	}
	if src.pool == nil {
		if src.dsn == "" {
			return errors.New("postgres source requires source.dsn")
		}
		poolConfig, err := pgxpool.ParseConfig(src.dsn)
		if err != nil {
			return fmt.Errorf("failed to parse dsn: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("failed to ping database: %w", err)
		}
		src.pool = pool
		src.ownsPool = true
	}
	src.listener = newListener(src.pool, src.channel, src.logger)
	return nil
}

// Shutdown stops the listener and closes an owned pool.
func (src *Source) Shutdown(ctx context.Context) error {
	src.Close()
	return nil
}

// Close stops the listener and closes an owned pool.
func (src *Source) Close() {
	if src.listener != nil {
		src.listener.close()
	}
	if src.ownsPool && src.pool != nil {
		src.pool.Close()
		src.pool = nil
	}
}

// Fetch returns the rows matching query.
func (src *Source) Fetch(ctx context.Context, query source.Query) ([]source.Record, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	statement, args := buildSelect(query)

	rows, err := src.pool.Query(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", query.Table, err)
	}
	defer rows.Close()

	out := []source.Record{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", query.Table, err)
		}
		rec, err := decodeRow(query.Table, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", query.Table, err)
	}
	return out, nil
}

func decodeRow(table, payload string) (source.Record, error) {
	var flat map[string]any
	if err := json.Unmarshal([]byte(payload), &flat); err != nil {
		return source.Record{}, fmt.Errorf("failed to decode %s row: %w", table, err)
	}
	return source.FromFields(table, flat), nil
}

// Subscribe registers onChange for notifications matching filter.
func (src *Source) Subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error) {
	if filter.Table == "" {
		return nil, source.ErrNoTable
	}
	return src.listener.subscribe(ctx, filter, onChange)
}

// Insert stores a row. The change trigger reports it.
func (src *Source) Insert(ctx context.Context, table, workspaceID string, fields map[string]any) (source.Record, error) {
	if !source.ValidColumn(table) {
		return source.Record{}, fmt.Errorf("%w: table %q", source.ErrBadColumn, table)
	}
	if err := validateFields(fields); err != nil {
		return source.Record{}, err
	}
	statement, args := buildInsert(source.NewRecord(table, workspaceID, fields, src.now()))

	var payload string
	if err := src.pool.QueryRow(ctx, statement, args...).Scan(&payload); err != nil {
		return source.Record{}, fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return decodeRow(table, payload)
}

// Update changes the non-reserved columns of a live row.
func (src *Source) Update(ctx context.Context, table, id string, fields map[string]any) (source.Record, error) {
	if !source.ValidColumn(table) {
		return source.Record{}, fmt.Errorf("%w: table %q", source.ErrBadColumn, table)
	}
	if err := validateFields(fields); err != nil {
		return source.Record{}, err
	}
	statement, args := buildUpdate(table, id, fields, src.now())

	var payload string
	if err := src.pool.QueryRow(ctx, statement, args...).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return source.Record{}, source.ErrNotFound
		}
		return source.Record{}, fmt.Errorf("failed to update %s: %w", table, err)
	}
	return decodeRow(table, payload)
}

// Delete soft-deletes a live row.
func (src *Source) Delete(ctx context.Context, table, id string) error {
	if !source.ValidColumn(table) {
		return fmt.Errorf("%w: table %q", source.ErrBadColumn, table)
	}
	tag, err := src.pool.Exec(ctx, buildSoftDelete(table), src.now(), id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return source.ErrNotFound
	}
	return nil
}
