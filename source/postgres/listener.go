package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/talosaether/hubs/realtime"
	"github.com/talosaether/hubs/source"
)

// listener holds one LISTEN connection and fans notifications out to every
// open subscription. It starts on the first Subscribe. When the connection
// is lost every subscription is dropped; the next Subscribe reconnects.
type listener struct {
	pool    *pgxpool.Pool
	channel string
	bus     *realtime.Bus
	logger  *slog.Logger

	mu      sync.Mutex
	handles map[*source.Handle]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func newListener(pool *pgxpool.Pool, channel string, logger *slog.Logger) *listener {
	return &listener{
		pool:    pool,
		channel: channel,
		bus:     realtime.NewBus(realtime.WithBusLogger(logger)),
		logger:  logger,
		handles: make(map[*source.Handle]struct{}),
	}
}

func (lis *listener) subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error) {
	if err := lis.ensureRunning(ctx); err != nil {
		return nil, err
	}

	var handle *source.Handle
	var unlisten func()
	handle = source.NewHandle(func() {
		unlisten()
		lis.forget(handle)
	})
	unlisten = lis.bus.Listen(filter, func(ctx context.Context, event source.ChangeEvent) {
		onChange(event)
	})

	lis.mu.Lock()
	running := lis.done != nil
	if running {
		lis.handles[handle] = struct{}{}
	}
	lis.mu.Unlock()

	if !running {
		handle.Drop(errors.New("listener stopped"))
	}
	return handle, nil
}

func (lis *listener) forget(handle *source.Handle) {
	lis.mu.Lock()
	defer lis.mu.Unlock()
	delete(lis.handles, handle)
}

// ensureRunning acquires a connection and issues LISTEN before returning,
// so a returned subscription sees every later notification.
func (lis *listener) ensureRunning(ctx context.Context) error {
	lis.mu.Lock()
	defer lis.mu.Unlock()
	if lis.done != nil {
		return nil
	}

	pooled, err := lis.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	// The LISTEN connection never goes back to the pool.
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+columnName(lis.channel)); err != nil {
		_ = conn.Close(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", lis.channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	lis.cancel = cancel
	lis.done = make(chan struct{})
	go lis.run(runCtx, conn, lis.done)

	lis.logger.Debug("postgres listener started", "channel", lis.channel)
	return nil
}

func (lis *listener) run(ctx context.Context, conn *pgx.Conn, done chan struct{}) {
	defer close(done)

	var cause error
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			cause = err
			break
		}
		var event source.ChangeEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			lis.logger.Warn("ignoring malformed change notification", "channel", lis.channel, "error", err)
			continue
		}
		lis.bus.Publish(ctx, event)
	}

	_ = conn.Close(context.Background())

	lis.mu.Lock()
	handles := make([]*source.Handle, 0, len(lis.handles))
	for handle := range lis.handles {
		handles = append(handles, handle)
	}
	lis.handles = make(map[*source.Handle]struct{})
	lis.cancel = nil
	lis.done = nil
	lis.mu.Unlock()

	if ctx.Err() != nil {
		cause = errors.New("listener closed")
	} else {
		lis.logger.Warn("postgres listener dropped", "channel", lis.channel, "error", cause)
	}
	for _, handle := range handles {
		handle.Drop(cause)
	}
}

// close stops the listener and drops every subscription.
func (lis *listener) close() {
	lis.mu.Lock()
	cancel, done := lis.cancel, lis.done
	lis.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
