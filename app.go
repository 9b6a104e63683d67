// Package hubs wires the workspace-scoped data layer together.
//
// An App owns the process-wide collaborators (the remote data source, the
// change bus, the workspace directory) and drives their lifecycle. Module
// data hooks and tabs receive what they need from the App explicitly; there
// is no package-level state.
//
// # Usage
//
//	bus := realtime.NewBus()
//	app := hubs.New(
//	    hubs.WithConfigFile("./hubs.yaml"),
//	    hubs.WithModules(
//	        bus,
//	        workspace.New(),
//	        sqlite.New(),
//	    ),
//	)
//	defer app.Shutdown(ctx)
//
//	hook, err := moduledata.ModuleData(app.Source(), registry, scope)
package hubs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/talosaether/hubs/source"
)

// App is the central instance that holds all registered modules.
type App struct {
	mu         sync.RWMutex
	modules    map[string]Module
	order      []string
	config     *Config
	configData ConfigData
	logger     *slog.Logger

	source     SourceModule
	bus        BusModule
	workspaces WorkspacesModule
}

// SourceModule is a remote data source registered as a module.
type SourceModule interface {
	Module
	source.Source
}

// BusModule is the in-process change bus. Sources that do not have their
// own change feed publish on it after every write.
type BusModule interface {
	Module
	Publish(ctx context.Context, event source.ChangeEvent)
	Subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error)
}

// WorkspacesModule is the workspace directory. It answers membership
// questions; it never selects a workspace on anyone's behalf.
type WorkspacesModule interface {
	Module
	IsMember(ctx context.Context, workspaceID, userID string) bool
	Can(ctx context.Context, userID, permission, workspaceID string) bool
}

// Config holds App-level settings.
type Config struct {
	Env      string
	LogLevel slog.Level
}

// Option configures the App during creation.
type Option func(*App)

// New creates a new App with the given options.
func New(opts ...Option) *App {
	app := &App{
		modules: make(map[string]Module),
		config: &Config{
			Env:      "development",
			LogLevel: slog.LevelInfo,
		},
		logger: newLogger(slog.LevelInfo),
	}

	for _, opt := range opts {
		opt(app)
	}

	return app
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// WithConfig sets configuration options.
func WithConfig(cfg *Config) Option {
	return func(app *App) {
		app.config = cfg
		app.logger = newLogger(cfg.LogLevel)
	}
}

// WithLogger replaces the App logger.
func WithLogger(logger *slog.Logger) Option {
	return func(app *App) {
		app.logger = logger
	}
}

// WithConfigData installs already-parsed configuration.
func WithConfigData(data ConfigData) Option {
	return func(app *App) {
		app.applyConfigData(data)
	}
}

// WithConfigFile loads configuration from a YAML file.
// Environment variables in ${VAR} or ${VAR:-default} format are expanded.
func WithConfigFile(path string) Option {
	return func(app *App) {
		data, err := LoadConfig(path)
		if err != nil {
			app.logger.Error("failed to load config file", "path", path, "error", err)
			return
		}
		app.applyConfigData(data)
		app.logger.Info("config loaded", "path", path)
	}
}

func (app *App) applyConfigData(data ConfigData) {
	app.configData = data

	section := data.Section("hubs")
	if section == nil {
		return
	}
	if env := section.GetString("env"); env != "" {
		app.config.Env = env
	}
	if logLevel := section.GetString("log_level"); logLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err == nil {
			app.config.LogLevel = level
			app.logger = newLogger(level)
		}
	}
}

// WithModules registers modules with the App.
// Modules are initialized in the order provided.
func WithModules(modules ...Module) Option {
	return func(app *App) {
		ctx := context.Background()
		for _, mod := range modules {
			if err := app.Register(ctx, mod); err != nil {
				app.logger.Error("failed to register module",
					"module", mod.Name(),
					"error", err,
				)
			}
		}
	}
}

// Register adds a module to the App and initializes it.
func (app *App) Register(ctx context.Context, mod Module) error {
	name := mod.Name()

	app.mu.RLock()
	_, exists := app.modules[name]
	app.mu.RUnlock()
	if exists {
		return fmt.Errorf("module %q already registered", name)
	}

	// Init runs without the lock held so modules can reach earlier modules.
	if err := mod.Init(ctx, app); err != nil {
		return fmt.Errorf("failed to initialize module %q: %w", name, err)
	}

	app.mu.Lock()
	defer app.mu.Unlock()

	app.modules[name] = mod
	app.order = append(app.order, name)
	app.logger.Info("module registered", "module", name)

	if sourceMod, ok := mod.(SourceModule); ok {
		app.source = sourceMod
	}
	if busMod, ok := mod.(BusModule); ok {
		app.bus = busMod
	}
	if workspacesMod, ok := mod.(WorkspacesModule); ok {
		app.workspaces = workspacesMod
	}

	return nil
}

// Shutdown stops all modules in reverse registration order.
func (app *App) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	order := app.order
	modules := app.modules
	app.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := modules[name].Shutdown(ctx); err != nil {
			app.logger.Error("failed to shutdown module",
				"module", name,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("module %q: %w", name, err))
		} else {
			app.logger.Info("module shutdown", "module", name)
		}
	}

	app.mu.Lock()
	app.modules = make(map[string]Module)
	app.order = nil
	app.source, app.bus, app.workspaces = nil, nil, nil
	app.mu.Unlock()

	return errors.Join(errs...)
}

// Module returns a registered module by name.
func (app *App) Module(name string) (Module, bool) {
	app.mu.RLock()
	defer app.mu.RUnlock()
	mod, ok := app.modules[name]
	return mod, ok
}

// Source returns the registered data source.
// Panics if no source module is registered.
func (app *App) Source() SourceModule {
	app.mu.RLock()
	defer app.mu.RUnlock()
	if app.source == nil {
		panic("source module not registered")
	}
	return app.source
}

// HasSource reports whether a data source is registered.
func (app *App) HasSource() bool {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.source != nil
}

// Bus returns the change bus.
// Panics if the realtime module is not registered.
func (app *App) Bus() BusModule {
	app.mu.RLock()
	defer app.mu.RUnlock()
	if app.bus == nil {
		panic("realtime module not registered")
	}
	return app.bus
}

// HasBus reports whether a change bus is registered.
func (app *App) HasBus() bool {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.bus != nil
}

// Workspaces returns the workspace directory, or nil when none is
// registered.
func (app *App) Workspaces() WorkspacesModule {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.workspaces
}

// Logger returns the App logger for use by modules and application code.
func (app *App) Logger() *slog.Logger {
	return app.logger
}

// Config returns the App configuration.
func (app *App) Config() *Config {
	return app.config
}

// ConfigData returns the raw configuration data loaded from file.
// Returns nil if no config file was loaded.
func (app *App) ConfigData() ConfigData {
	return app.configData
}
