// Package realtime carries change events from data sources to the hooks that
// watch them.
//
// Bus is the in-process fan-out used by sources that have no change feed of
// their own. Channel is the per-hook subscription adapter: it owns exactly one
// open subscription, reopens it with backoff when the transport drops it, and
// never delivers events from a handle it has already replaced.
//
// # Usage
//
//	bus := realtime.NewBus()
//	unsubscribe := bus.Listen(source.EventFilter{Table: "files"}, func(ctx context.Context, event source.ChangeEvent) {
//	    log.Printf("%s %s", event.Type, event.RecordID)
//	})
//	defer unsubscribe()
//
//	bus.Publish(ctx, source.ChangeEvent{Type: source.ChangeInsert, Table: "files"})
//
// # Thread Safety
//
// All operations are thread-safe. Handlers run on the publishing goroutine
// for Publish and on their own goroutine for PublishAsync; they must not
// block.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/talosaether/hubs"
	"github.com/talosaether/hubs/source"
)

// Handler handles a change event. ctx is the publisher's context.
type Handler func(ctx context.Context, event source.ChangeEvent)

type listener struct {
	filter  source.EventFilter
	handler Handler
}

// Bus is an in-memory change event bus keyed by table.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string]map[uint64]listener
	nextID    uint64
	logger    *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the bus logger.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(bus *Bus) {
		bus.logger = logger
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	bus := &Bus{
		listeners: make(map[string]map[uint64]listener),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Name returns the module identifier.
func (bus *Bus) Name() string {
	return "realtime"
}

// Init initializes the bus module.
func (bus *Bus) Init(ctx context.Context, app *hubs.App) error {
	bus.logger = app.Logger()
	bus.logger.Info("realtime bus initialized")
	return nil
}

// Shutdown drops every listener.
func (bus *Bus) Shutdown(ctx context.Context) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.listeners = make(map[string]map[uint64]listener)
	return nil
}

// Listen registers handler for events matching filter. A filter table of
// "*" receives every table. Returns an unsubscribe function.
func (bus *Bus) Listen(filter source.EventFilter, handler Handler) func() {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.nextID++
	id := bus.nextID
	if bus.listeners[filter.Table] == nil {
		bus.listeners[filter.Table] = make(map[uint64]listener)
	}
	bus.listeners[filter.Table][id] = listener{filter: filter, handler: handler}

	var once sync.Once
	return func() {
		once.Do(func() {
			bus.mu.Lock()
			defer bus.mu.Unlock()
			delete(bus.listeners[filter.Table], id)
			if len(bus.listeners[filter.Table]) == 0 {
				delete(bus.listeners, filter.Table)
			}
		})
	}
}

// Subscribe adapts Listen to the source.Source subscription contract so a
// bus can stand in as the change feed of any source.
func (bus *Bus) Subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error) {
	var unsubscribe func()
	handle := source.NewHandle(func() { unsubscribe() })
	unsubscribe = bus.Listen(filter, func(ctx context.Context, event source.ChangeEvent) {
		select {
		case <-handle.Done():
			return
		default:
		}
		onChange(event)
	})
	return handle, nil
}

func (bus *Bus) matching(event source.ChangeEvent) []Handler {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	var handlers []Handler
	for _, table := range []string{event.Table, "*"} {
		for _, l := range bus.listeners[table] {
			if l.filter.Matches(event) {
				handlers = append(handlers, l.handler)
			}
		}
	}
	return handlers
}

// Publish delivers event to every matching listener synchronously.
func (bus *Bus) Publish(ctx context.Context, event source.ChangeEvent) {
	for _, handler := range bus.matching(event) {
		handler(ctx, event)
	}
}

// PublishAsync delivers event to every matching listener, each on its own
// goroutine.
func (bus *Bus) PublishAsync(ctx context.Context, event source.ChangeEvent) {
	for _, handler := range bus.matching(event) {
		go handler(ctx, event)
	}
}

// HasListeners returns true if any listener watches table.
func (bus *Bus) HasListeners(table string) bool {
	return bus.ListenerCount(table) > 0
}

// ListenerCount returns the number of listeners registered for table.
func (bus *Bus) ListenerCount(table string) int {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	return len(bus.listeners[table])
}
