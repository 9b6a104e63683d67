package moduledata

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/talosaether/hubs/source"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Tab layouts.
const (
	LayoutTable    = "table"
	LayoutCards    = "cards"
	LayoutOverview = "overview"
)

// TabSpec maps a tab to the table it reads.
type TabSpec struct {
	Slug           string         `yaml:"slug" json:"slug"`
	Name           string         `yaml:"name,omitempty" json:"name,omitempty"`
	Table          string         `yaml:"table" json:"table"`
	Select         string         `yaml:"select,omitempty" json:"select,omitempty"`
	OrderBy        string         `yaml:"order_by,omitempty" json:"order_by,omitempty"`
	Descending     *bool          `yaml:"descending,omitempty" json:"descending,omitempty"`
	IncludeDeleted bool           `yaml:"include_deleted,omitempty" json:"include_deleted,omitempty"`
	Filters        map[string]any `yaml:"filters,omitempty" json:"filters,omitempty"`
	Layout         string         `yaml:"layout,omitempty" json:"layout,omitempty"`
}

// IsDescending reports the sort direction. Unless set explicitly, tabs
// ordered by created_at or updated_at show newest first.
func (spec TabSpec) IsDescending() bool {
	if spec.Descending != nil {
		return *spec.Descending
	}
	return spec.OrderBy == "created_at" || spec.OrderBy == "updated_at"
}

// Query builds the query for one workspace.
func (spec TabSpec) Query(workspaceID string) source.Query {
	query := source.Query{
		Table:          spec.Table,
		WorkspaceID:    workspaceID,
		OrderBy:        spec.OrderBy,
		Descending:     spec.IsDescending(),
		IncludeDeleted: spec.IncludeDeleted,
	}
	if len(spec.Filters) > 0 {
		query.Filters = make(map[string]any, len(spec.Filters))
		for column, value := range spec.Filters {
			if value != nil {
				query.Filters[column] = value
			}
		}
	}
	return query
}

// ModuleSpec is one module and its tabs.
type ModuleSpec struct {
	ID   string    `yaml:"id" json:"id"`
	Name string    `yaml:"name" json:"name"`
	Hub  string    `yaml:"-" json:"hub"`
	Tabs []TabSpec `yaml:"tabs,omitempty" json:"tabs,omitempty"`
}

// Hub groups modules in the navigation.
type Hub struct {
	ID      string       `yaml:"id" json:"id"`
	Label   string       `yaml:"label" json:"label"`
	Modules []ModuleSpec `yaml:"modules" json:"modules"`
}

// Catalog is the document a registry is loaded from.
type Catalog struct {
	Hubs []Hub     `yaml:"hubs" json:"hubs"`
	Tabs []TabSpec `yaml:"tabs,omitempty" json:"tabs,omitempty"`
}

// Registry resolves (module, tab) pairs to tables. It is immutable after
// loading and safe for concurrent use.
type Registry struct {
	catalog Catalog
	modules map[string]ModuleSpec
	tabs    map[string]map[string]TabSpec
	shared  map[string]TabSpec
}

// DefaultRegistry returns the built-in catalog.
func DefaultRegistry() *Registry {
	registry, err := ParseRegistry(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("moduledata: invalid built-in catalog: %v", err))
	}
	return registry
}

// LoadRegistry reads a catalog file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry parses and validates a YAML catalog.
func ParseRegistry(data []byte) (*Registry, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	registry := &Registry{
		modules: make(map[string]ModuleSpec),
		tabs:    make(map[string]map[string]TabSpec),
		shared:  make(map[string]TabSpec),
	}
	for h := range catalog.Hubs {
		hub := &catalog.Hubs[h]
		for m := range hub.Modules {
			mod := &hub.Modules[m]
			mod.Hub = hub.ID
			if mod.ID == "" {
				return nil, fmt.Errorf("module without id in hub %q", hub.ID)
			}
			if _, exists := registry.modules[mod.ID]; exists {
				return nil, fmt.Errorf("duplicate module %q", mod.ID)
			}
			tabs := make(map[string]TabSpec, len(mod.Tabs))
			for _, spec := range mod.Tabs {
				if err := validateTab(spec); err != nil {
					return nil, fmt.Errorf("module %q: %w", mod.ID, err)
				}
				if _, exists := tabs[spec.Slug]; exists {
					return nil, fmt.Errorf("module %q: duplicate tab %q", mod.ID, spec.Slug)
				}
				tabs[spec.Slug] = spec
			}
			registry.modules[mod.ID] = *mod
			registry.tabs[mod.ID] = tabs
		}
	}
	for _, spec := range catalog.Tabs {
		if err := validateTab(spec); err != nil {
			return nil, err
		}
		registry.shared[spec.Slug] = spec
	}
	registry.catalog = catalog
	return registry, nil
}

func validateTab(spec TabSpec) error {
	if spec.Slug == "" {
		return errors.New("tab without slug")
	}
	if !source.ValidColumn(spec.Table) {
		return fmt.Errorf("tab %q: invalid table %q", spec.Slug, spec.Table)
	}
	if spec.OrderBy != "" && !source.ValidColumn(spec.OrderBy) {
		return fmt.Errorf("tab %q: invalid order_by %q", spec.Slug, spec.OrderBy)
	}
	for column := range spec.Filters {
		if !source.ValidColumn(column) {
			return fmt.Errorf("tab %q: invalid filter column %q", spec.Slug, column)
		}
	}
	switch spec.Layout {
	case "", LayoutTable, LayoutCards, LayoutOverview:
	default:
		return fmt.Errorf("tab %q: unknown layout %q", spec.Slug, spec.Layout)
	}
	return nil
}

// Lookup finds the tab for module, falling back to the shared tabs.
func (registry *Registry) Lookup(moduleID, tabSlug string) (TabSpec, error) {
	if spec, ok := registry.tabs[moduleID][tabSlug]; ok {
		return spec, nil
	}
	if spec, ok := registry.shared[tabSlug]; ok {
		return spec, nil
	}
	return TabSpec{}, fmt.Errorf("%w: %s/%s", ErrUnknownTab, moduleID, tabSlug)
}

// Resolve implements Binding.
func (registry *Registry) Resolve(scope Scope) (source.Query, error) {
	spec, err := registry.Lookup(scope.ModuleID, scope.TabSlug)
	if err != nil {
		return source.Query{}, err
	}
	return spec.Query(scope.WorkspaceID), nil
}

// Module returns one module by id.
func (registry *Registry) Module(id string) (ModuleSpec, bool) {
	mod, ok := registry.modules[id]
	return mod, ok
}

// Hubs returns the catalog in navigation order.
func (registry *Registry) Hubs() []Hub {
	return slices.Clone(registry.catalog.Hubs)
}

// Catalog returns the loaded document.
func (registry *Registry) Catalog() Catalog {
	return registry.catalog
}

// Tables lists every table some tab reads, sorted.
func (registry *Registry) Tables() []string {
	seen := make(map[string]bool)
	for _, tabs := range registry.tabs {
		for _, spec := range tabs {
			seen[spec.Table] = true
		}
	}
	for _, spec := range registry.shared {
		seen[spec.Table] = true
	}
	tables := make([]string, 0, len(seen))
	for table := range seen {
		tables = append(tables, table)
	}
	slices.Sort(tables)
	return tables
}

// ModuleData builds the generic hook for one module tab. An unknown tab is
// rejected here, before anything is fetched.
func ModuleData(src source.Source, registry *Registry, scope Scope, opts ...Option) (*Hook[source.Record], error) {
	if _, err := registry.Lookup(scope.ModuleID, scope.TabSlug); err != nil {
		cfg := defaultConfig()
		for _, opt := range opts {
			opt(&cfg)
		}
		cfg.logger.Warn("no table mapping for tab", "module", scope.ModuleID, "tab", scope.TabSlug)
		return nil, err
	}
	return New[source.Record](src, registry, scope, opts...), nil
}
