// Package redisfeed carries change events between processes over Redis
// pub/sub.
//
// A Feed wraps a local realtime.Bus. Publish delivers to local listeners
// and forwards the event to Redis; events arriving from Redis are delivered
// to local listeners only. Every envelope carries the publishing process's
// origin id, so a process never re-delivers its own events.
//
// # Usage
//
//	feed := redisfeed.New(redisfeed.WithAddr("localhost:6379"))
//	app := hubs.New(
//	    hubs.WithModules(
//	        feed,          // registers as the App's change bus
//	        sqlite.New(),  // publishes its writes on it
//	    ),
//	)
//
// # Configuration
//
//	realtime:
//	  redis_addr: localhost:6379
//	  redis_channel: hubs:changes
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/talosaether/hubs"
	"github.com/talosaether/hubs/realtime"
	"github.com/talosaether/hubs/source"
)

// DefaultChannel is the Redis channel events travel on.
const DefaultChannel = "hubs:changes"

// ErrNotStarted is returned by Publish paths that need Redis before Start.
var ErrNotStarted = errors.New("redis feed not started")

// envelope is the wire form of one event.
type envelope struct {
	Origin string             `json:"origin"`
	Event  source.ChangeEvent `json:"event"`
}

// Feed is a cross-process change feed.
type Feed struct {
	addr    string
	channel string
	origin  string
	client  redis.UniversalClient
	owned   bool
	local   *realtime.Bus
	logger  *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// Option configures a Feed.
type Option func(*Feed)

// WithAddr sets the Redis address.
func WithAddr(addr string) Option {
	return func(feed *Feed) {
		feed.addr = addr
	}
}

// WithClient uses an existing Redis client. The feed does not close it.
func WithClient(client redis.UniversalClient) Option {
	return func(feed *Feed) {
		feed.client = client
	}
}

// WithChannel sets the Redis channel.
func WithChannel(channel string) Option {
	return func(feed *Feed) {
		feed.channel = channel
	}
}

// WithBus sets the local bus events are delivered on.
func WithBus(bus *realtime.Bus) Option {
	return func(feed *Feed) {
		feed.local = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(feed *Feed) {
		feed.logger = logger
	}
}

// New creates a feed. It does not touch Redis until Start.
func New(opts ...Option) *Feed {
	feed := &Feed{
		addr:    "localhost:6379",
		channel: DefaultChannel,
		origin:  uuid.New().String(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(feed)
	}
	if feed.local == nil {
		feed.local = realtime.NewBus(realtime.WithBusLogger(feed.logger))
	}
	return feed
}

// Origin identifies this process on the channel.
func (feed *Feed) Origin() string {
	return feed.origin
}

// Name returns the module identifier. A Feed stands in for the bus.
func (feed *Feed) Name() string {
	return "realtime"
}

// Init reads realtime.redis_addr and realtime.redis_channel, then starts.
func (feed *Feed) Init(ctx context.Context, app *hubs.App) error {
	feed.logger = app.Logger()
	if cfg := app.ConfigData(); cfg != nil {
		if addr := cfg.GetString("realtime.redis_addr"); addr != "" {
			feed.addr = addr
		}
		if channel := cfg.GetString("realtime.redis_channel"); channel != "" {
			feed.channel = channel
		}
	}
	return feed.Start(ctx)
}

// Start connects, subscribes to the channel and begins relaying remote
// events to local listeners.
func (feed *Feed) Start(ctx context.Context) error {
	feed.mu.Lock()
	defer feed.mu.Unlock()
	if feed.pubsub != nil {
		return nil
	}
	if feed.client == nil {
		feed.client = redis.NewClient(&redis.Options{Addr: feed.addr})
		feed.owned = true
	}
	if err := feed.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", feed.addr, err)
	}

	pubsub := feed.client.Subscribe(ctx, feed.channel)
	// Receive waits for the subscription confirmation, so nothing
	// published after Start returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", feed.channel, err)
	}
	feed.pubsub = pubsub

	feed.wg.Add(1)
	go feed.relay(pubsub.Channel())
	feed.logger.Info("redis feed started", "addr", feed.addr, "channel", feed.channel, "origin", feed.origin)
	return nil
}

// Shutdown stops relaying and closes the client if the feed created it.
func (feed *Feed) Shutdown(ctx context.Context) error {
	feed.mu.Lock()
	pubsub := feed.pubsub
	feed.pubsub = nil
	feed.mu.Unlock()

	var errs []error
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close subscription: %w", err))
		}
		feed.wg.Wait()
	}
	if feed.owned && feed.client != nil {
		if err := feed.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
		feed.client = nil
	}
	if err := feed.local.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (feed *Feed) relay(messages <-chan *redis.Message) {
	defer feed.wg.Done()
	for msg := range messages {
		feed.deliver(context.Background(), msg.Payload)
	}
}

// deliver hands a remote payload to local listeners unless this process
// sent it.
func (feed *Feed) deliver(ctx context.Context, payload string) bool {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		feed.logger.Warn("dropping malformed change envelope", "error", err)
		return false
	}
	if env.Origin == feed.origin {
		return false
	}
	if env.Event.Table == "" {
		feed.logger.Warn("dropping change envelope without table", "origin", env.Origin)
		return false
	}
	feed.local.Publish(ctx, env.Event)
	return true
}

func (feed *Feed) encode(event source.ChangeEvent) (string, error) {
	payload, err := json.Marshal(envelope{Origin: feed.origin, Event: event})
	if err != nil {
		return "", fmt.Errorf("failed to encode change event: %w", err)
	}
	return string(payload), nil
}

// Publish delivers event locally and forwards it to other processes. A
// Redis failure is logged; local listeners have already been told.
func (feed *Feed) Publish(ctx context.Context, event source.ChangeEvent) {
	feed.local.Publish(ctx, event)
	if err := feed.forward(ctx, event); err != nil {
		feed.logger.Error("failed to forward change event", "table", event.Table, "error", err)
	}
}

func (feed *Feed) forward(ctx context.Context, event source.ChangeEvent) error {
	feed.mu.Lock()
	started := feed.pubsub != nil
	client := feed.client
	feed.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	payload, err := feed.encode(event)
	if err != nil {
		return err
	}
	return client.Publish(ctx, feed.channel, payload).Err()
}

// Subscribe registers onChange on the local bus, which sees both local
// and remote events.
func (feed *Feed) Subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error) {
	return feed.local.Subscribe(ctx, filter, onChange)
}
