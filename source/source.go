// Package source defines the remote data source that module data hooks read
// through.
//
// A source is table-oriented: rows are fetched with a Query scoped to one
// workspace and changes are observed through a subscription bound to one
// table (optionally narrowed to a workspace and a set of change types).
//
// # Implementations
//
//	source/memory    in-process maps, changes on a realtime.Bus
//	source/sqlite    single-file SQLite store, changes on a realtime.Bus
//	source/postgres  pgx pool, changes via LISTEN/NOTIFY triggers
//	source/remote    HTTP + websocket client for a hubs gateway
//
// # Tenancy
//
// Every Query must carry a workspace unless it is explicitly marked Unscoped.
// Query.Validate rejects the ambiguous case so that a missing workspace can
// never be read as "all workspaces".
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoTable   = errors.New("query has no table")
	ErrUnscoped  = errors.New("query on a multi-tenant table has no workspace")
	ErrNotFound  = errors.New("record not found")
	ErrDropped   = errors.New("subscription dropped by transport")
	ErrBadColumn = errors.New("invalid column name")
)

// Source is the boundary every hook talks to.
type Source interface {
	// Fetch returns the rows matching query.
	Fetch(ctx context.Context, query Query) ([]Record, error)

	// Subscribe registers onChange for events matching filter. The returned
	// Subscription stays open until it is closed or the transport drops it.
	Subscribe(ctx context.Context, filter EventFilter, onChange func(ChangeEvent)) (Subscription, error)
}

// Writer mutates rows. Tabs never write; dialogs and actions do.
type Writer interface {
	Insert(ctx context.Context, table, workspaceID string, fields map[string]any) (Record, error)
	Update(ctx context.Context, table, id string, fields map[string]any) (Record, error)
	Delete(ctx context.Context, table, id string) error
}

// Feed is an in-process change feed. Sources without a native change stream
// publish on one after every successful write.
type Feed interface {
	Publish(ctx context.Context, event ChangeEvent)
	Subscribe(ctx context.Context, filter EventFilter, onChange func(ChangeEvent)) (Subscription, error)
}

// Subscription is a handle on one open change feed.
type Subscription interface {
	// Done is closed when the subscription ends, either through Close or
	// because the transport went away.
	Done() <-chan struct{}

	// Err reports why the subscription ended. It is nil while open and
	// after an explicit Close.
	Err() error

	// Close ends the subscription. Safe to call more than once.
	Close() error
}

// Query selects rows from one table.
type Query struct {
	Table          string
	WorkspaceID    string
	Filters        map[string]any
	OrderBy        string
	Descending     bool
	Limit          int
	IncludeDeleted bool

	// Match keeps rows where some text field contains it, ignoring case.
	Match string

	// Unscoped marks a table that is not partitioned by workspace.
	Unscoped bool
}

// Validate checks the tenancy invariant and column names.
func (query Query) Validate() error {
	if query.Table == "" {
		return ErrNoTable
	}
	if !ValidColumn(query.Table) {
		return fmt.Errorf("%w: table %q", ErrBadColumn, query.Table)
	}
	if !query.Unscoped && query.WorkspaceID == "" {
		return fmt.Errorf("%w: %s", ErrUnscoped, query.Table)
	}
	if query.OrderBy != "" && !ValidColumn(query.OrderBy) {
		return fmt.Errorf("%w: %q", ErrBadColumn, query.OrderBy)
	}
	for column := range query.Filters {
		if !ValidColumn(column) {
			return fmt.Errorf("%w: %q", ErrBadColumn, column)
		}
	}
	return nil
}

// ValidColumn reports whether name is a plain snake_case identifier.
func ValidColumn(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// ChangeType is the kind of row mutation.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent describes one row mutation.
type ChangeEvent struct {
	Type        ChangeType `json:"type"`
	Table       string     `json:"table"`
	WorkspaceID string     `json:"workspace_id,omitempty"`
	RecordID    string     `json:"record_id,omitempty"`
	At          time.Time  `json:"at"`
}

// EventFilter narrows a subscription. An empty Types means every type.
type EventFilter struct {
	Table       string       `json:"table"`
	WorkspaceID string       `json:"workspace_id,omitempty"`
	Types       []ChangeType `json:"events,omitempty"`
}

// Matches reports whether event passes the filter.
func (filter EventFilter) Matches(event ChangeEvent) bool {
	if filter.Table != "*" && filter.Table != event.Table {
		return false
	}
	if filter.WorkspaceID != "" && filter.WorkspaceID != event.WorkspaceID {
		return false
	}
	if len(filter.Types) == 0 {
		return true
	}
	for _, changeType := range filter.Types {
		if changeType == event.Type {
			return true
		}
	}
	return false
}

// FilterFor returns the subscription filter that watches the same rows the
// query reads.
func FilterFor(query Query) EventFilter {
	filter := EventFilter{Table: query.Table}
	if !query.Unscoped {
		filter.WorkspaceID = query.WorkspaceID
	}
	return filter
}
