package moduledata

import (
	"log/slog"
	"maps"
	"time"

	"github.com/talosaether/hubs"
	"github.com/talosaether/hubs/realtime"
)

// Defaults for hooks that are not configured otherwise.
const (
	DefaultFetchTimeout   = 15 * time.Second
	DefaultCoalesceWindow = 100 * time.Millisecond
)

type config struct {
	timeout        time.Duration
	coalesce       time.Duration
	retries        int
	retryBackoff   realtime.Backoff
	channelBackoff realtime.Backoff
	live           bool
	filters        map[string]any
	logger         *slog.Logger
}

func defaultConfig() config {
	return config{
		timeout:        DefaultFetchTimeout,
		coalesce:       DefaultCoalesceWindow,
		retryBackoff:   realtime.DefaultBackoff(),
		channelBackoff: realtime.DefaultBackoff(),
		live:           true,
		logger:         slog.Default(),
	}
}

// Option configures a hook.
type Option func(*config)

// WithFetchTimeout bounds each fetch attempt. Zero disables the bound.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = timeout
	}
}

// WithCoalesceWindow sets how long change events are gathered before one
// refetch runs. Zero refetches on every event.
func WithCoalesceWindow(window time.Duration) Option {
	return func(cfg *config) {
		cfg.coalesce = window
	}
}

// WithRetries retries a failed fetch up to n more times.
func WithRetries(n int, backoff realtime.Backoff) Option {
	return func(cfg *config) {
		cfg.retries = n
		cfg.retryBackoff = backoff
	}
}

// WithChannelBackoff sets the reopen policy of the change subscription.
func WithChannelBackoff(backoff realtime.Backoff) Option {
	return func(cfg *config) {
		cfg.channelBackoff = backoff
	}
}

// WithLive turns the change subscription on or off.
func WithLive(live bool) Option {
	return func(cfg *config) {
		cfg.live = live
	}
}

// WithFilters adds equality filters to every query the hook issues.
func WithFilters(filters map[string]any) Option {
	return func(cfg *config) {
		if cfg.filters == nil {
			cfg.filters = make(map[string]any, len(filters))
		}
		maps.Copy(cfg.filters, filters)
	}
}

// WithLogger sets the hook logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// FromConfig reads the moduledata and realtime sections. Missing keys keep
// their defaults.
func FromConfig(data hubs.ConfigData) []Option {
	if data == nil {
		return nil
	}
	opts := []Option{
		WithFetchTimeout(data.GetDuration("moduledata.fetch_timeout", DefaultFetchTimeout)),
		WithCoalesceWindow(data.GetDuration("moduledata.coalesce_window", DefaultCoalesceWindow)),
	}
	if retries := data.GetInt("moduledata.fetch_retries"); retries > 0 {
		opts = append(opts, WithRetries(retries, realtime.DefaultBackoff()))
	}

	backoff := realtime.DefaultBackoff()
	backoff.Initial = data.GetDuration("realtime.backoff_initial", backoff.Initial)
	backoff.Max = data.GetDuration("realtime.backoff_max", backoff.Max)
	opts = append(opts, WithChannelBackoff(backoff))
	return opts
}
