// Package domains holds the per-domain hooks: each domain is one row in
// Catalog and one typed record, and every hook is a moduledata.Hook built
// from that row. The subscription filter and the fetch query come from the
// same Spec, so a domain hook always watches the table it reads.
package domains

import (
	"errors"
	"fmt"

	"github.com/talosaether/hubs/moduledata"
	"github.com/talosaether/hubs/source"
)

var (
	ErrUnknownDomain = errors.New("unknown domain")
	ErrNoParent      = errors.New("domain has no parent filter")
)

// Domain names one dataset.
type Domain string

const (
	Events       Domain = "events"
	RunOfShow    Domain = "run_of_show"
	Bookings     Domain = "bookings"
	Incidents    Domain = "incidents"
	Tours        Domain = "tours"
	Shipments    Domain = "shipments"
	Files        Domain = "files"
	Folders      Domain = "folders"
	FileShares   Domain = "file_shares"
	FileVersions Domain = "file_versions"
	Productions  Domain = "productions"
	Tasks        Domain = "tasks"
	Insights     Domain = "insights"
	Reports      Domain = "reports"
	Metrics      Domain = "metrics"
)

// Spec is the configuration of one domain.
type Spec struct {
	Module     string
	Table      string
	OrderBy    string
	Descending bool

	// Filters always apply.
	Filters map[string]any

	// Parent is the column ForParent narrows on, if any.
	Parent string
}

// Catalog maps every domain to its table.
var Catalog = map[Domain]Spec{
	Events:       {Module: "events", Table: "events", OrderBy: "start_time", Parent: "production_id"},
	RunOfShow:    {Module: "events", Table: "run_of_show", OrderBy: "sequence_number", Parent: "event_id"},
	Bookings:     {Module: "events", Table: "bookings", OrderBy: "check_in", Parent: "event_id"},
	Incidents:    {Module: "events", Table: "incidents", OrderBy: "occurred_at", Descending: true, Parent: "event_id"},
	Tours:        {Module: "events", Table: "tours", OrderBy: "start_date", Descending: true, Parent: "production_id"},
	Shipments:    {Module: "events", Table: "shipments", OrderBy: "ship_date", Descending: true, Parent: "production_id"},
	Files:        {Module: "files", Table: "files", OrderBy: "created_at", Descending: true, Parent: "folder_id"},
	Folders:      {Module: "files", Table: "folders", OrderBy: "path"},
	FileShares:   {Module: "files", Table: "file_shares", OrderBy: "created_at", Descending: true, Parent: "file_id"},
	FileVersions: {Module: "files", Table: "file_versions", OrderBy: "version", Descending: true, Parent: "file_id"},
	Productions:  {Module: "projects", Table: "productions", OrderBy: "created_at", Descending: true},
	Tasks:        {Module: "projects", Table: "project_tasks", OrderBy: "due_date", Parent: "production_id"},
	Insights:     {Module: "insights", Table: "ai_recommendations", OrderBy: "generated_at", Descending: true},
	Reports:      {Module: "reports", Table: "report_templates", OrderBy: "name"},
	Metrics:      {Module: "analytics", Table: "analytics_views", OrderBy: "created_at", Descending: true},
}

// Lookup returns the spec of domain.
func Lookup(domain Domain) (Spec, error) {
	spec, ok := Catalog[domain]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	return spec, nil
}

// Binding returns the binding for this spec, narrowed to parentID when it
// is not empty.
func (spec Spec) Binding(parentID string) moduledata.Binding {
	return moduledata.BindingFunc(func(scope moduledata.Scope) (source.Query, error) {
		query := source.Query{
			Table:       spec.Table,
			WorkspaceID: scope.WorkspaceID,
			OrderBy:     spec.OrderBy,
			Descending:  spec.Descending,
		}
		if len(spec.Filters) > 0 || parentID != "" {
			query.Filters = make(map[string]any, len(spec.Filters)+1)
			for column, value := range spec.Filters {
				query.Filters[column] = value
			}
			if parentID != "" {
				query.Filters[spec.Parent] = parentID
			}
		}
		return query, nil
	})
}

type options struct {
	parentID string
	hook     []moduledata.Option
}

// Option configures a domain hook.
type Option func(*options)

// ForParent narrows the hook to rows of one parent, for example the
// run of show of one event.
func ForParent(id string) Option {
	return func(opts *options) {
		opts.parentID = id
	}
}

// WithHookOptions passes options through to the underlying hook.
func WithHookOptions(hookOpts ...moduledata.Option) Option {
	return func(opts *options) {
		opts.hook = append(opts.hook, hookOpts...)
	}
}

// Scope returns the hook scope for domain in workspaceID.
func Scope(domain Domain, workspaceID string) moduledata.Scope {
	return moduledata.Scope{
		WorkspaceID: workspaceID,
		ModuleID:    Catalog[domain].Module,
		TabSlug:     string(domain),
	}
}

// New builds an unmounted hook for domain decoding rows into T.
func New[T any](src source.Source, domain Domain, workspaceID string, opts ...Option) (*moduledata.Hook[T], error) {
	spec, err := Lookup(domain)
	if err != nil {
		return nil, err
	}
	var cfg options
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.parentID != "" && spec.Parent == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoParent, domain)
	}
	return moduledata.New[T](src, spec.Binding(cfg.parentID), Scope(domain, workspaceID), cfg.hook...), nil
}

// NewEvents is the events hook, optionally for one production.
func NewEvents(src source.Source, workspaceID string, opts ...Option) (*moduledata.Hook[Event], error) {
	return New[Event](src, Events, workspaceID, opts...)
}

// NewRunOfShow is the running order hook, optionally for one event.
func NewRunOfShow(src source.Source, workspaceID string, opts ...Option) (*moduledata.Hook[RunOfShowItem], error) {
	return New[RunOfShowItem](src, RunOfShow, workspaceID, opts...)
}

func NewBookings(src source.Source, workspaceID string, opts ...Option) (*moduledata.Hook[Booking], error) {
	return New[Booking](src, Bookings, workspaceID, opts...)
}

func NewIncidents(src source.Source, workspaceID string, opts ...Option) (*moduledata.Hook[Incident], error) {
	return New[Incident](src, Incidents, workspaceID, opts...)
}

func NewTours(src source.Source, workspaceID string, opts ...Option) (*moduledata.Hook[Tour], error) {
	return New[Tour](src, Tours, workspaceID, opts...)
}

func NewShipments(src source.Source, workspaceID string, opts ...Option) (*moduledata.Hook[Shipment], error) {
	return New[Shipment](src, Shipments, workspaceID, opts...)
}

func NewProductions(src source.Source, workspaceID string, opts ...Option) (*moduledata.Hook[Production], error) {
	return New[Production](src, Productions, workspaceID, opts...)
}

// NewTasks is the task hook, optionally for one production.
func NewTasks(src source.Source, workspaceID string, opts ...Option) (*moduledata.Hook[Task], error) {
	return New[Task](src, Tasks, workspaceID, opts...)
}

func NewInsights(src source.Source, workspaceID string, opts ...Option) (*moduledata.Hook[Insight], error) {
	return New[Insight](src, Insights, workspaceID, opts...)
}

func NewReports(src source.Source, workspaceID string, opts ...Option) (*moduledata.Hook[Report], error) {
	return New[Report](src, Reports, workspaceID, opts...)
}

func NewMetrics(src source.Source, workspaceID string, opts ...Option) (*moduledata.Hook[Metric], error) {
	return New[Metric](src, Metrics, workspaceID, opts...)
}
