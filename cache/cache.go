// Package cache provides short-lived key-value caching for hubs modules.
//
// The workspace directory keeps membership roles here so that the gateway
// can check permissions on every request without a database round trip.
// Entries expire after a TTL and are deleted outright when the underlying
// data changes.
//
// # Usage
//
//	app := hubs.New(
//	    hubs.WithModules(
//	        cache.New(),      // before the modules that use it
//	        workspace.New(),
//	    ),
//	)
//
// # Configuration
//
//	cache:
//	  default_ttl: 30s
//	  redis_addr: localhost:6379   # share the cache between gateway processes
//
// # Custom Providers
//
// Implement the Provider interface for other backends:
//
//	cache.New(cache.WithProvider(myProvider))
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/talosaether/hubs"
)

// Provider defines the interface for cache implementations.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Module is the cache module implementation.
type Module struct {
	provider   Provider
	defaultTTL time.Duration
	logger     *slog.Logger
}

// Option is a function that configures the cache module.
type Option func(*Module)

// WithProvider sets a custom cache provider.
func WithProvider(provider Provider) Option {
	return func(mod *Module) {
		mod.provider = provider
	}
}

// WithDefaultTTL sets the default TTL for cache entries.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(mod *Module) {
		mod.defaultTTL = ttl
	}
}

// New creates a new cache module. Without a provider it caches in memory.
func New(opts ...Option) *Module {
	mod := &Module{
		defaultTTL: 30 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(mod)
	}
	if mod.provider == nil {
		mod.provider = NewMemoryProvider()
	}
	return mod
}

// Name returns the module identifier.
func (mod *Module) Name() string {
	return "cache"
}

// Init reads cache.default_ttl and cache.redis_addr. A Redis address
// replaces the in-memory provider.
func (mod *Module) Init(ctx context.Context, app *hubs.App) error {
	mod.logger = app.Logger()
	if cfg := app.ConfigData(); cfg != nil {
		mod.defaultTTL = cfg.GetDuration("cache.default_ttl", mod.defaultTTL)
		if addr := cfg.GetString("cache.redis_addr"); addr != "" {
			redisProvider, err := NewRedisProvider(ctx, addr, cfg.GetString("cache.redis_prefix"))
			if err != nil {
				return err
			}
			_ = mod.provider.Close()
			mod.provider = redisProvider
		}
	}
	mod.logger.Info("cache module initialized", "default_ttl", mod.defaultTTL)
	return nil
}

// Shutdown releases the provider.
func (mod *Module) Shutdown(ctx context.Context) error {
	return mod.provider.Close()
}

// Get retrieves a value from the cache.
func (mod *Module) Get(ctx context.Context, key string) ([]byte, bool) {
	return mod.provider.Get(ctx, key)
}

// Set stores a value in the cache with the default TTL.
func (mod *Module) Set(ctx context.Context, key string, value []byte) error {
	return mod.provider.Set(ctx, key, value, mod.defaultTTL)
}

// SetWithTTL stores a value in the cache with a custom TTL.
func (mod *Module) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return mod.provider.Set(ctx, key, value, ttl)
}

// Delete removes a value from the cache.
func (mod *Module) Delete(ctx context.Context, key string) error {
	return mod.provider.Delete(ctx, key)
}

// Clear removes all values from the cache.
func (mod *Module) Clear(ctx context.Context) error {
	return mod.provider.Clear(ctx)
}

// MemoryProvider is an in-memory cache implementation.
type MemoryProvider struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates a new in-memory cache provider. Expired
// entries are swept every minute until Close.
func NewMemoryProvider() *MemoryProvider {
	provider := &MemoryProvider{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go provider.cleanup(time.Minute)
	return provider
}

func (provider *MemoryProvider) cleanup(interval time.Duration) {
	defer close(provider.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-provider.stop:
			return
		case <-ticker.C:
			provider.sweep()
		}
	}
}

func (provider *MemoryProvider) sweep() {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	now := provider.now()
	for key, entry := range provider.entries {
		if !now.Before(entry.expiresAt) {
			delete(provider.entries, key)
		}
	}
}

func (provider *MemoryProvider) Get(ctx context.Context, key string) ([]byte, bool) {
	provider.mu.RLock()
	defer provider.mu.RUnlock()

	entry, exists := provider.entries[key]
	if !exists || !provider.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (provider *MemoryProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	provider.entries[key] = cacheEntry{
		value:     value,
		expiresAt: provider.now().Add(ttl),
	}
	return nil
}

func (provider *MemoryProvider) Delete(ctx context.Context, key string) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	delete(provider.entries, key)
	return nil
}

func (provider *MemoryProvider) Clear(ctx context.Context) error {
	provider.mu.Lock()
	defer provider.mu.Unlock()

	provider.entries = make(map[string]cacheEntry)
	return nil
}

// Close stops the sweeper. The provider still answers afterwards.
func (provider *MemoryProvider) Close() error {
	provider.stopOnce.Do(func() { close(provider.stop) })
	<-provider.done
	return nil
}
