package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/talosaether/hubs"
	"github.com/talosaether/hubs/auth"
	"github.com/talosaether/hubs/cache"
	"github.com/talosaether/hubs/gateway"
	"github.com/talosaether/hubs/moduledata"
	"github.com/talosaether/hubs/realtime"
	"github.com/talosaether/hubs/realtime/redisfeed"
	"github.com/talosaether/hubs/source/memory"
	"github.com/talosaether/hubs/source/postgres"
	"github.com/talosaether/hubs/source/remote"
	"github.com/talosaether/hubs/source/sqlite"
	"github.com/talosaether/hubs/workspace"
)

const defaultConfigPath = "./hubs.yaml"

// loadConfig reads the config file. A missing default file is not an
// error; a malformed one always is.
func loadConfig() (hubs.ConfigData, error) {
	path := flagConfig
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			return hubs.ConfigData{}, nil
		}
		path = defaultConfigPath
	}
	data, err := hubs.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return data, nil
}

func newSource(driver string) (hubs.Module, error) {
	switch driver {
	case "", "sqlite":
		return sqlite.New(), nil
	case "memory":
		return memory.New(), nil
	case "postgres":
		return postgres.New(), nil
	case "remote":
		return remote.New(), nil
	}
	return nil, fmt.Errorf("unknown source driver %q (valid: memory, sqlite, postgres, remote)", driver)
}

// runtime is what a command works with.
type runtime struct {
	app       *hubs.App
	registry  *moduledata.Registry
	hookOpts  []moduledata.Option
	directory *workspace.Module
	accounts  *auth.Module
	gateway   *gateway.Module
}

// buildApp registers the bus, the role cache, the workspace directory and
// the configured source. Accounts follow when auth.enabled is set, then the
// gateway when asked. overrides are applied on top of the config file.
func buildApp(ctx context.Context, withGateway bool, overrides map[string]string) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if flagDriver != "" {
		cfg.Set("source.driver", flagDriver)
	}
	for path, value := range overrides {
		if value != "" {
			cfg.Set(path, value)
		}
	}
	app := hubs.New(hubs.WithConfigData(cfg))

	var bus hubs.Module = realtime.NewBus()
	if cfg.GetString("realtime.redis_addr") != "" {
		bus = redisfeed.New()
	}
	src, err := newSource(cfg.GetString("source.driver"))
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		app:       app,
		registry:  moduledata.DefaultRegistry(),
		hookOpts:  append([]moduledata.Option{moduledata.WithLogger(app.Logger())}, moduledata.FromConfig(cfg)...),
		directory: workspace.New(),
	}
	if path := cfg.GetString("moduledata.registry_path"); path != "" {
		if rt.registry, err = moduledata.LoadRegistry(path); err != nil {
			return nil, fmt.Errorf("load registry: %w", err)
		}
	}

	modules := []hubs.Module{bus, cache.New(), rt.directory, src}
	if cfg.GetBool("auth.enabled") {
		rt.accounts = auth.New()
		modules = append(modules, rt.accounts)
	}
	if withGateway {
		rt.gateway = gateway.New()
		modules = append(modules, rt.gateway)
	}
	for _, mod := range modules {
		if err := app.Register(ctx, mod); err != nil {
			return nil, errors.Join(err, app.Shutdown(ctx))
		}
	}
	return rt, nil
}

func (rt *runtime) close(ctx context.Context) {
	if err := rt.app.Shutdown(ctx); err != nil {
		rt.app.Logger().Error("shutdown failed", "error", err)
	}
}
