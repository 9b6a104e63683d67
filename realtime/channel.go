package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/talosaether/hubs/source"
)

// State is the lifecycle position of a Channel.
type State int

const (
	Closed State = iota
	Opening
	Open
)

func (state State) String() string {
	switch state {
	case Opening:
		return "opening"
	case Open:
		return "open"
	}
	return "closed"
}

// Subscriber is the subscribe half of source.Source.
type Subscriber interface {
	Subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error)
}

// Channel keeps one subscription open for its owner.
//
// Closed -> Opening -> Open -> Closed. A transport drop moves Open to
// Closed and schedules another Opening after a backoff delay; a failed
// Subscribe does the same. Only Close stops the cycle.
type Channel struct {
	subscriber Subscriber
	onChange   func(source.ChangeEvent)
	onState    func(State)
	onOpen     func(reopened bool)
	backoff    Backoff
	logger     *slog.Logger

	// lifecycle serializes Open and Close.
	lifecycle sync.Mutex

	mu         sync.Mutex
	state      State
	generation uint64
	filter     source.EventFilter
	cancel     context.CancelFunc
	done       chan struct{}
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithBackoff sets the reopen policy.
func WithBackoff(backoff Backoff) ChannelOption {
	return func(ch *Channel) {
		ch.backoff = backoff
	}
}

// WithChannelLogger sets the channel logger.
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(ch *Channel) {
		ch.logger = logger
	}
}

// WithStateHook registers fn to observe state transitions. fn runs on the
// channel goroutine and must not call back into the Channel.
func WithStateHook(fn func(State)) ChannelOption {
	return func(ch *Channel) {
		ch.onState = fn
	}
}

// WithOpenHook registers fn to run each time a subscription opens.
// reopened is false only for the first successful Subscribe after Open;
// any earlier failure or drop makes it true, since events from the gap
// were never delivered. fn runs on the channel goroutine.
func WithOpenHook(fn func(reopened bool)) ChannelOption {
	return func(ch *Channel) {
		ch.onOpen = fn
	}
}

// NewChannel returns a closed channel that will deliver events to onChange
// once opened.
func NewChannel(subscriber Subscriber, onChange func(source.ChangeEvent), opts ...ChannelOption) *Channel {
	ch := &Channel{
		subscriber: subscriber,
		onChange:   onChange,
		backoff:    DefaultBackoff(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// State returns the current state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Filter returns the filter of the current or last binding.
func (ch *Channel) Filter() source.EventFilter {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.filter
}

// Open binds the channel to filter. Any previous subscription is closed
// first, so at most one handle is ever open.
func (ch *Channel) Open(ctx context.Context, filter source.EventFilter) {
	ch.lifecycle.Lock()
	defer ch.lifecycle.Unlock()

	ch.stop()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	ch.mu.Lock()
	ch.generation++
	generation := ch.generation
	ch.filter = filter
	ch.cancel = cancel
	ch.done = done
	ch.mu.Unlock()

	go ch.run(runCtx, generation, filter, done)
}

// Close ends the current subscription and waits for the reopen loop to exit.
func (ch *Channel) Close() {
	ch.lifecycle.Lock()
	defer ch.lifecycle.Unlock()
	ch.stop()
}

func (ch *Channel) stop() {
	ch.mu.Lock()
	cancel, done := ch.cancel, ch.done
	ch.cancel, ch.done = nil, nil
	ch.generation++
	ch.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (ch *Channel) current(generation uint64) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.generation == generation
}

func (ch *Channel) transition(generation uint64, state State) {
	ch.mu.Lock()
	if ch.generation != generation && state != Closed {
		ch.mu.Unlock()
		return
	}
	changed := ch.state != state
	ch.state = state
	ch.mu.Unlock()

	if changed && ch.onState != nil {
		ch.onState(state)
	}
}

func (ch *Channel) run(ctx context.Context, generation uint64, filter source.EventFilter, done chan struct{}) {
	defer close(done)
	defer ch.transition(generation, Closed)

	attempt := 0
	reopened := false
	for {
		ch.transition(generation, Opening)

		handle, err := ch.subscriber.Subscribe(ctx, filter, func(event source.ChangeEvent) {
			if ch.current(generation) {
				ch.onChange(event)
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := ch.backoff.Delay(attempt)
			attempt++
			ch.logger.Warn("subscription failed, retrying",
				"table", filter.Table,
				"attempt", attempt,
				"retry_in", delay,
				"error", err,
			)
			ch.transition(generation, Closed)
			reopened = true
			if Sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		ch.transition(generation, Open)
		ch.logger.Debug("subscription open", "table", filter.Table, "workspace_id", filter.WorkspaceID, "reopened", reopened)
		attempt = 0
		if ch.onOpen != nil && ch.current(generation) {
			ch.onOpen(reopened)
		}

		select {
		case <-ctx.Done():
			_ = handle.Close()
			return
		case <-handle.Done():
		}

		cause := handle.Err()
		if cause == nil {
			cause = errors.New("subscription closed by source")
		}
		delay := ch.backoff.Delay(attempt)
		attempt++
		ch.logger.Warn("subscription dropped, reopening",
			"table", filter.Table,
			"retry_in", delay,
			"error", cause,
		)
		ch.transition(generation, Closed)
		reopened = true
		if Sleep(ctx, delay) != nil {
			return
		}
	}
}
