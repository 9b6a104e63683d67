package hubs

import "context"

// Module is the lifecycle contract every hubs component registers through.
type Module interface {
	// Name returns a unique identifier for this module
	Name() string

	// Init is called when the module is registered with the App.
	// Modules registered earlier are already reachable through the App.
	Init(ctx context.Context, app *App) error

	// Shutdown is called when the App is stopping, in reverse
	// registration order.
	Shutdown(ctx context.Context) error
}
