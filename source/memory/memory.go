// Package memory provides an in-process data source.
//
// Rows live in maps keyed by table and id. Writes publish change events on
// a source.Feed, which defaults to a private realtime.Bus and switches to
// the App bus when one is registered. It backs tests, demos and the
// "memory" source driver.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/talosaether/hubs"
	"github.com/talosaether/hubs/realtime"
	"github.com/talosaether/hubs/source"
)

// Source is the in-memory source module.
type Source struct {
	mu     sync.RWMutex
	tables map[string]map[string]source.Record
	feed   source.Feed
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Source.
type Option func(*Source)

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

// New creates an empty in-memory source.
func New(opts ...Option) *Source {
	src := &Source{
		tables: make(map[string]map[string]source.Record),
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(src)
	}
	if src.feed == nil {
		src.feed = realtime.NewBus(realtime.WithBusLogger(src.logger))
	}
	return src
}

// Name returns the module identifier.
func (src *Source) Name() string {
	return "source"
}

// Init adopts the App logger and bus.
func (src *Source) Init(ctx context.Context, app *hubs.App) error {
	src.logger = app.Logger()
	if app.HasBus() {
		src.feed = app.Bus()
	}
	src.logger.Info("memory source initialized")
	return nil
}

// Shutdown drops every row.
func (src *Source) Shutdown(ctx context.Context) error {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.tables = make(map[string]map[string]source.Record)
	return nil
}

// Fetch returns the rows matching query.
func (src *Source) Fetch(ctx context.Context, query source.Query) ([]source.Record, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src.mu.RLock()
	rows := make([]source.Record, 0, len(src.tables[query.Table]))
	for _, rec := range src.tables[query.Table] {
		rows = append(rows, rec)
	}
	src.mu.RUnlock()

	// Map order is random; ties under OrderBy fall back to insertion time.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return source.Apply(query, rows), nil
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

	src.mu.Lock()
	if src.tables[table] == nil {
		src.tables[table] = make(map[string]source.Record)
	}
	if _, exists := src.tables[table][rec.ID]; exists {
		src.mu.Unlock()
		return source.Record{}, fmt.Errorf("record %s/%s already exists", table, rec.ID)
	}
	src.tables[table][rec.ID] = rec
	src.mu.Unlock()

	src.feed.Publish(ctx, rec.Event(source.ChangeInsert))
	return rec.Clone(), nil
}

// Put stores rec as-is, keeping its timestamps. Seeding uses it.
func (src *Source) Put(ctx context.Context, rec source.Record) error {
	if !source.ValidColumn(rec.Table) {
		return fmt.Errorf("%w: table %q", source.ErrBadColumn, rec.Table)
	}
	if rec.ID == "" {
		return fmt.Errorf("record in %s has no id", rec.Table)
	}

	src.mu.Lock()
	if src.tables[rec.Table] == nil {
		src.tables[rec.Table] = make(map[string]source.Record)
	}
	_, existed := src.tables[rec.Table][rec.ID]
	src.tables[rec.Table][rec.ID] = rec.Clone()
	src.mu.Unlock()

	changeType := source.ChangeInsert
	if existed {
		changeType = source.ChangeUpdate
	}
	src.feed.Publish(ctx, rec.Event(changeType))
	return nil
}

// Update merges fields into an existing row and publishes an UPDATE event.
func (src *Source) Update(ctx context.Context, table, id string, fields map[string]any) (source.Record, error) {
	src.mu.Lock()
	rec, ok := src.tables[table][id]
	if !ok {
		src.mu.Unlock()
		return source.Record{}, source.ErrNotFound
	}
	rec = rec.Merge(fields, src.now())
	src.tables[table][id] = rec
	src.mu.Unlock()

	src.feed.Publish(ctx, rec.Event(source.ChangeUpdate))
	return rec.Clone(), nil
}

// Delete soft-deletes a row and publishes a DELETE event.
func (src *Source) Delete(ctx context.Context, table, id string) error {
	src.mu.Lock()
	rec, ok := src.tables[table][id]
	if !ok || rec.DeletedAt != nil {
		src.mu.Unlock()
		return source.ErrNotFound
	}
	now := src.now()
	rec = rec.Clone()
	rec.DeletedAt = &now
	rec.UpdatedAt = now
	src.tables[table][id] = rec
	src.mu.Unlock()

	src.feed.Publish(ctx, rec.Event(source.ChangeDelete))
	return nil
}

// Tables lists the tables that hold at least one row.
func (src *Source) Tables() []string {
	src.mu.RLock()
	defer src.mu.RUnlock()
	names := make([]string, 0, len(src.tables))
	for name, rows := range src.tables {
		if len(rows) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
