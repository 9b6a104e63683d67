// Package tab turns hook state into what a module tab shows.
//
// A Tab reads exactly one hook and never fetches or writes. Render maps the
// hook state to one of four views, and loading is never shown as empty:
// a tab with no settled fetch is Loading, a settled fetch with no rows is
// Empty, and a failed fetch is Error with the previous rows still attached
// when there are any.
package tab

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/talosaether/hubs/moduledata"
	"github.com/talosaether/hubs/source"
)

// Kind is the view a tab is in.
type Kind string

const (
	ViewLoading Kind = "loading"
	ViewError   Kind = "error"
	ViewEmpty   Kind = "empty"
	ViewReady   Kind = "ready"
)

// Layout is how rows are arranged.
type Layout string

const (
	LayoutTable    Layout = moduledata.LayoutTable
	LayoutCards    Layout = moduledata.LayoutCards
	LayoutOverview Layout = moduledata.LayoutOverview
)

// DefaultEmptyMessage is shown by tabs without their own.
const DefaultEmptyMessage = "Nothing here yet"

// Column renders one field of T.
type Column[T any] struct {
	Title string
	Value func(T) string
}

// Field is a column that reads a record field by name.
func Field(title, name string) Column[source.Record] {
	return Column[source.Record]{
		Title: title,
		Value: func(rec source.Record) string { return rec.String(name) },
	}
}

// Tab describes one module tab.
type Tab[T any] struct {
	Title        string
	Layout       Layout
	Columns      []Column[T]
	EmptyMessage string
}

// View is a render-ready tab. It is also the JSON view model served to
// remote clients.
type View struct {
	Kind       Kind       `json:"kind"`
	Title      string     `json:"title"`
	Layout     Layout     `json:"layout"`
	Message    string     `json:"message,omitempty"`
	Columns    []string   `json:"columns,omitempty"`
	Rows       [][]string `json:"rows,omitempty"`
	Stale      bool       `json:"stale,omitempty"`
	Refreshing bool       `json:"refreshing,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at,omitzero"`
}

// ErrorMessage is the non-fatal text shown for err.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, moduledata.ErrNoWorkspace):
		return "Select a workspace to see this tab"
	case errors.Is(err, moduledata.ErrUnknownTab):
		return "This tab is not available"
	case errors.Is(err, context.DeadlineExceeded):
		return "The server took too long to answer. Try again."
	case errors.Is(err, source.ErrNoTable), errors.Is(err, source.ErrBadColumn):
		return "This tab is misconfigured"
	}
	var fetchErr *moduledata.FetchError
	if errors.As(err, &fetchErr) {
		err = fetchErr.Err
	}
	return fmt.Sprintf("Could not load data: %v", err)
}

// Render maps state to a view.
func (tab Tab[T]) Render(state moduledata.State[T]) View {
	view := View{
		Title:     tab.Title,
		Layout:    tab.Layout,
		UpdatedAt: state.UpdatedAt,
	}
	if view.Layout == "" {
		view.Layout = LayoutTable
	}
	if len(state.Data) > 0 {
		view.Columns, view.Rows = tab.table(state.Data)
	}

	switch {
	case state.Err != nil:
		view.Kind = ViewError
		view.Message = ErrorMessage(state.Err)
		view.Stale = len(view.Rows) > 0
	case state.Data == nil:
		view.Kind = ViewLoading
	case len(state.Data) == 0:
		view.Kind = ViewEmpty
		view.Message = tab.EmptyMessage
		if view.Message == "" {
			view.Message = DefaultEmptyMessage
		}
		view.Refreshing = state.Loading
	default:
		view.Kind = ViewReady
		view.Refreshing = state.Loading
	}
	return view
}

func (tab Tab[T]) table(data []T) ([]string, [][]string) {
	if len(tab.Columns) == 0 {
		if records, ok := any(data).([]source.Record); ok {
			return recordTable(records)
		}
	}
	columns := make([]string, len(tab.Columns))
	for i, column := range tab.Columns {
		columns[i] = column.Title
	}
	rows := make([][]string, len(data))
	for i, item := range data {
		row := make([]string, len(tab.Columns))
		for j, column := range tab.Columns {
			row[j] = column.Value(item)
		}
		rows[i] = row
	}
	return columns, rows
}

// recordTable shows every field present in records, name-like fields
// first.
func recordTable(records []source.Record) ([]string, [][]string) {
	seen := make(map[string]bool)
	for _, rec := range records {
		for key := range rec.Fields {
			seen[key] = true
		}
	}
	var columns []string
	for _, key := range []string{"name", "title"} {
		if seen[key] {
			columns = append(columns, key)
			delete(seen, key)
		}
	}
	rest := make([]string, 0, len(seen))
	for key := range seen {
		rest = append(rest, key)
	}
	slices.Sort(rest)
	columns = append(columns, rest...)

	rows := make([][]string, len(records))
	for i, rec := range records {
		row := make([]string, len(columns))
		for j, key := range columns {
			row[j] = rec.String(key)
		}
		rows[i] = row
	}
	return columns, rows
}

// Bound is a tab attached to its hook.
type Bound[T any] struct {
	tab  Tab[T]
	hook *moduledata.Hook[T]
}

// Bind attaches tab to hook.
func (tab Tab[T]) Bind(hook *moduledata.Hook[T]) *Bound[T] {
	return &Bound[T]{tab: tab, hook: hook}
}

// View renders the hook's current state.
func (bound *Bound[T]) View() View {
	return bound.tab.Render(bound.hook.State())
}

// Watch calls fn with a fresh view on every state change. The returned
// function stops it.
func (bound *Bound[T]) Watch(fn func(View)) func() {
	return bound.hook.Subscribe(func(state moduledata.State[T]) {
		fn(bound.tab.Render(state))
	})
}

// Retry refetches; the error view offers it.
func (bound *Bound[T]) Retry(ctx context.Context) error {
	return bound.hook.Refresh(ctx)
}

// ForSpec builds a record tab from a registry entry. Without columns the
// tab shows every field the rows carry.
func ForSpec(spec moduledata.TabSpec, columns ...Column[source.Record]) Tab[source.Record] {
	title := spec.Name
	if title == "" {
		title = spec.Slug
	}
	return Tab[source.Record]{
		Title:   title,
		Layout:  Layout(spec.Layout),
		Columns: columns,
	}
}
