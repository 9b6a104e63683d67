// Package moduledata is the data-access core every tab reads through.
//
// A Hook binds one Scope (workspace, module, tab) to one query against a
// source.Source. Mount issues the initial fetch and opens a change
// subscription on the same table; change events and Refresh re-enter the
// same fetch path. Every fetch carries a sequence number and a result is
// applied only when no newer result has landed, so a slow early fetch never
// overwrites a fast later one.
//
// A scope without a workspace is refused: no fetch, no subscription, and
// the state carries ErrNoWorkspace. Every hook in the repository goes
// through this one core, so that policy holds everywhere.
//
// # Usage
//
//	hook, err := moduledata.ModuleData(src, registry, moduledata.Scope{
//	    WorkspaceID: session.WorkspaceID(),
//	    ModuleID:    "files",
//	    TabSlug:     "folders",
//	})
//	if err != nil {
//	    return err
//	}
//	cancel := hook.Subscribe(render)
//	defer cancel()
//	hook.Mount(ctx)
//	defer hook.Unmount()
//
// # Thread Safety
//
// All methods are safe for concurrent use. Observers run on the goroutine
// that caused the transition, outside the hook's locks, and may call
// Refresh. They must not call Mount, Rescope or Unmount synchronously.
//
// Whenever the change subscription opens after a gap (a failed subscribe
// or a dropped transport) the hook refetches, since changes made during
// the gap were never delivered.
package moduledata

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/talosaether/hubs/realtime"
	"github.com/talosaether/hubs/source"
)

var (
	ErrNoWorkspace = errors.New("no workspace selected")
	ErrNotMounted  = errors.New("hook is not mounted")
	ErrUnknownTab  = errors.New("unknown module tab")
)

// Scope identifies the dataset a hook reads.
type Scope struct {
	WorkspaceID string `json:"workspace_id"`
	ModuleID    string `json:"module_id"`
	TabSlug     string `json:"tab_slug"`
}

func (scope Scope) String() string {
	return scope.WorkspaceID + "/" + scope.ModuleID + "/" + scope.TabSlug
}

// State is what a hook exposes to its tab.
//
// Data is nil until the first successful fetch and keeps its last value
// when a later fetch fails. Loading is true until the newest fetch issued
// for the current scope has settled; a superseded fetch never changes the
// state.
type State[T any] struct {
	Data      []T
	Loading   bool
	Err       error
	Seq       uint64
	UpdatedAt time.Time

	// Version increases with every transition.
	Version uint64
}

// FetchError wraps a failed fetch with the scope it was issued for.
type FetchError struct {
	Scope Scope
	Table string
	Err   error
}

func (err *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s for workspace %s: %v", err.Table, err.Scope.WorkspaceID, err.Err)
}

func (err *FetchError) Unwrap() error {
	return err.Err
}

// Binding resolves a scope to the query a hook reads.
type Binding interface {
	Resolve(scope Scope) (source.Query, error)
}

// BindingFunc adapts a function to Binding.
type BindingFunc func(scope Scope) (source.Query, error)

// Resolve calls fn.
func (fn BindingFunc) Resolve(scope Scope) (source.Query, error) {
	return fn(scope)
}

// Hook is the fetch, subscribe and refresh state machine for one dataset.
type Hook[T any] struct {
	src     source.Source
	binding Binding
	decode  func([]source.Record) ([]T, error)
	cfg     config
	channel *realtime.Channel

	// lifecycle serializes Mount, Rescope and Unmount.
	lifecycle sync.Mutex

	mu       sync.Mutex
	scope    Scope
	query    source.Query
	bound    bool
	state    State[T]
	mounted  bool
	epoch    uint64
	seq      uint64
	applied  uint64
	inflight map[uint64]context.CancelFunc
	pending  *time.Timer
	base     context.Context
	cancel   context.CancelFunc
	settled  chan struct{}
	bg       sync.WaitGroup

	obsMu     sync.Mutex
	observers map[uint64]func(State[T])
	nextObs   uint64
	delivered uint64
}

// New creates an unmounted hook for scope.
func New[T any](src source.Source, binding Binding, scope Scope, opts ...Option) *Hook[T] {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	hook := &Hook[T]{
		src:       src,
		binding:   binding,
		decode:    source.Decode[T],
		cfg:       cfg,
		scope:     scope,
		inflight:  make(map[uint64]context.CancelFunc),
		settled:   make(chan struct{}),
		observers: make(map[uint64]func(State[T])),
	}
	hook.channel = realtime.NewChannel(src, hook.onChange,
		realtime.WithBackoff(cfg.channelBackoff),
		realtime.WithChannelLogger(cfg.logger),
		realtime.WithOpenHook(hook.onOpen),
	)
	return hook
}

// State returns the current state.
func (hook *Hook[T]) State() State[T] {
	hook.mu.Lock()
	defer hook.mu.Unlock()
	return hook.state
}

// Scope returns the scope the hook is bound to.
func (hook *Hook[T]) Scope() Scope {
	hook.mu.Lock()
	defer hook.mu.Unlock()
	return hook.scope
}

// FetchedTable is the table the current query reads, or "" when unbound.
func (hook *Hook[T]) FetchedTable() string {
	hook.mu.Lock()
	defer hook.mu.Unlock()
	if !hook.bound {
		return ""
	}
	return hook.query.Table
}

// SubscribedTable is the table the change subscription was last opened
// on, or "" for a hook without one.
func (hook *Hook[T]) SubscribedTable() string {
	if !hook.cfg.live {
		return ""
	}
	return hook.channel.Filter().Table
}

// ChannelState reports the change subscription state.
func (hook *Hook[T]) ChannelState() realtime.State {
	return hook.channel.State()
}

// Subscribe registers fn to receive every state transition. The returned
// function removes it.
func (hook *Hook[T]) Subscribe(fn func(State[T])) func() {
	hook.obsMu.Lock()
	defer hook.obsMu.Unlock()
	hook.nextObs++
	id := hook.nextObs
	if hook.observers == nil {
		hook.observers = make(map[uint64]func(State[T]))
	}
	hook.observers[id] = fn
	return func() {
		hook.obsMu.Lock()
		defer hook.obsMu.Unlock()
		delete(hook.observers, id)
	}
}

// publish delivers snapshot unless a newer one has already gone out.
// Observers are called without obsMu held so they can call Refresh.
func (hook *Hook[T]) publish(snapshot State[T]) {
	hook.obsMu.Lock()
	if snapshot.Version <= hook.delivered {
		hook.obsMu.Unlock()
		return
	}
	hook.delivered = snapshot.Version
	observers := make([]func(State[T]), 0, len(hook.observers))
	for _, fn := range hook.observers {
		observers = append(observers, fn)
	}
	hook.obsMu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}

// transition must be called with mu held. It bumps the version and wakes
// Settled waiters once nothing is loading.
func (hook *Hook[T]) transition() State[T] {
	hook.state.Version++
	if !hook.state.Loading {
		close(hook.settled)
		hook.settled = make(chan struct{})
	}
	return hook.state
}

// Mount starts the initial fetch and opens the change subscription. It
// does not wait for the fetch; use Settled for that.
func (hook *Hook[T]) Mount(ctx context.Context) {
	hook.lifecycle.Lock()
	defer hook.lifecycle.Unlock()

	hook.mu.Lock()
	if hook.mounted {
		hook.mu.Unlock()
		return
	}
	hook.mounted = true
	hook.base, hook.cancel = context.WithCancel(context.WithoutCancel(ctx))
	scope := hook.scope
	hook.mu.Unlock()

	hook.cfg.logger.Debug("module data mounted", "scope", scope.String())
	hook.bind(scope)
}

// Rescope moves a mounted hook to another scope: the subscription is
// closed, in-flight fetches are invalidated, state is reset and the new
// scope is fetched. Rescoping to the current scope is a no-op. On an
// unmounted hook the scope is only recorded for the next Mount.
func (hook *Hook[T]) Rescope(scope Scope) {
	hook.lifecycle.Lock()
	defer hook.lifecycle.Unlock()

	hook.mu.Lock()
	if !hook.mounted {
		hook.scope = scope
		hook.mu.Unlock()
		return
	}
	if hook.scope == scope {
		hook.mu.Unlock()
		return
	}
	hook.mu.Unlock()

	hook.channel.Close()
	hook.cfg.logger.Debug("module data rescoped", "scope", scope.String())
	hook.bind(scope)
}

// Unmount cancels in-flight fetches, closes the subscription and drops
// observers. No state transition happens after it returns.
func (hook *Hook[T]) Unmount() {
	hook.lifecycle.Lock()
	defer hook.lifecycle.Unlock()

	hook.mu.Lock()
	if !hook.mounted {
		hook.mu.Unlock()
		return
	}
	hook.mounted = false
	hook.invalidate()
	hook.cancel()
	close(hook.settled)
	hook.settled = make(chan struct{})
	hook.mu.Unlock()

	hook.channel.Close()
	hook.bg.Wait()

	hook.obsMu.Lock()
	hook.observers = nil
	hook.obsMu.Unlock()

	hook.cfg.logger.Debug("module data unmounted", "scope", hook.Scope().String())
}

// invalidate must be called with mu held. Results of fetches issued before
// it are ignored.
func (hook *Hook[T]) invalidate() {
	hook.epoch++
	for seq, cancel := range hook.inflight {
		cancel()
		delete(hook.inflight, seq)
	}
	hook.applied = hook.seq
	if hook.pending != nil {
		if hook.pending.Stop() {
			hook.bg.Done()
		}
		hook.pending = nil
	}
}

// bind resets state for scope, then fetches and subscribes.
func (hook *Hook[T]) bind(scope Scope) {
	hook.mu.Lock()
	hook.invalidate()
	hook.scope = scope
	hook.bound = false
	hook.state = State[T]{Version: hook.state.Version}

	var refusal error
	if scope.WorkspaceID == "" {
		refusal = ErrNoWorkspace
	} else if query, err := hook.binding.Resolve(scope); err != nil {
		refusal = err
	} else {
		if len(hook.cfg.filters) > 0 {
			filters := make(map[string]any, len(query.Filters)+len(hook.cfg.filters))
			maps.Copy(filters, query.Filters)
			for column, value := range hook.cfg.filters {
				if value != nil {
					filters[column] = value
				}
			}
			query.Filters = filters
		}
		if query.WorkspaceID == "" && !query.Unscoped {
			query.WorkspaceID = scope.WorkspaceID
		}
		if err := query.Validate(); err != nil {
			refusal = err
		} else {
			hook.query = query
			hook.bound = true
		}
	}

	if refusal != nil {
		hook.state.Err = refusal
		snapshot := hook.transition()
		hook.mu.Unlock()
		hook.cfg.logger.Warn("module data refused scope", "scope", scope.String(), "error", refusal)
		hook.publish(snapshot)
		return
	}
	query := hook.query
	base := hook.base
	hook.mu.Unlock()

	hook.start()
	if hook.cfg.live {
		hook.channel.Open(base, source.FilterFor(query))
	}
}

// Refresh refetches the current scope and waits for that fetch. The error
// is also recorded in State; callers may ignore it. If ctx ends first the
// fetch keeps running and still updates state.
func (hook *Hook[T]) Refresh(ctx context.Context) error {
	result, err := hook.start()
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start issues one fetch for the bound scope.
func (hook *Hook[T]) start() (<-chan error, error) {
	hook.mu.Lock()
	if !hook.mounted {
		hook.mu.Unlock()
		return nil, ErrNotMounted
	}
	if !hook.bound {
		err := hook.state.Err
		hook.mu.Unlock()
		return nil, err
	}

	hook.seq++
	seq, epoch, query := hook.seq, hook.epoch, hook.query
	fetchCtx, cancel := context.WithCancel(hook.base)
	hook.inflight[seq] = cancel
	hook.state.Loading = true
	snapshot := hook.transition()
	hook.bg.Add(1)
	hook.mu.Unlock()

	hook.publish(snapshot)

	result := make(chan error, 1)
	go func() {
		defer hook.bg.Done()
		result <- hook.run(fetchCtx, seq, epoch, query)
	}()
	return result, nil
}

func (hook *Hook[T]) run(ctx context.Context, seq, epoch uint64, query source.Query) error {
	records, err := hook.fetch(ctx, query)
	var data []T
	if err == nil {
		data, err = hook.decode(records)
	}

	hook.mu.Lock()
	if cancel, ok := hook.inflight[seq]; ok {
		cancel()
		delete(hook.inflight, seq)
	}
	if epoch != hook.epoch {
		hook.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrNotMounted
	}

	scope := hook.scope
	var fetchErr error
	if err != nil {
		fetchErr = &FetchError{Scope: scope, Table: query.Table, Err: err}
	}
	if seq <= hook.applied {
		applied := hook.applied
		hook.mu.Unlock()
		hook.cfg.logger.Debug("discarding superseded fetch", "scope", scope.String(), "seq", seq, "applied", applied)
		return fetchErr
	}

	hook.applied = seq
	hook.state.Seq = seq
	if fetchErr != nil {
		hook.state.Err = fetchErr
	} else {
		if data == nil {
			data = []T{}
		}
		hook.state.Data = data
		hook.state.Err = nil
		hook.state.UpdatedAt = time.Now()
	}
	hook.state.Loading = hook.applied < hook.seq
	snapshot := hook.transition()
	hook.mu.Unlock()

	if fetchErr != nil {
		hook.cfg.logger.Error("module data fetch failed", "scope", scope.String(), "table", query.Table, "seq", seq, "error", err)
	}
	hook.publish(snapshot)
	return fetchErr
}

func isPermanent(err error) bool {
	return errors.Is(err, source.ErrUnscoped) ||
		errors.Is(err, source.ErrBadColumn) ||
		errors.Is(err, source.ErrNoTable)
}

// fetch runs one query with the configured timeout and retries.
func (hook *Hook[T]) fetch(ctx context.Context, query source.Query) ([]source.Record, error) {
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if hook.cfg.timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, hook.cfg.timeout)
		}
		records, err := hook.src.Fetch(attemptCtx, query)
		cancel()
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil || attempt >= hook.cfg.retries || isPermanent(err) {
			return nil, err
		}

		delay := hook.cfg.retryBackoff.Delay(attempt)
		hook.cfg.logger.Warn("module data fetch failed, retrying",
			"table", query.Table,
			"attempt", attempt+1,
			"retry_in", delay,
			"error", err,
		)
		if realtime.Sleep(ctx, delay) != nil {
			return nil, err
		}
	}
}

// onChange schedules one refetch per coalescing window.
func (hook *Hook[T]) onChange(event source.ChangeEvent) {
	if hook.schedule() {
		hook.cfg.logger.Debug("change event, refetch scheduled", "table", event.Table, "type", event.Type, "record_id", event.RecordID)
	}
}

// onOpen catches up on changes made while the subscription was down.
func (hook *Hook[T]) onOpen(reopened bool) {
	if !reopened {
		return
	}
	if hook.schedule() {
		hook.cfg.logger.Debug("subscription opened, catch-up refetch scheduled", "scope", hook.Scope().String(), "reopened", reopened)
	}
}

// schedule queues a refetch for the current coalescing window and reports
// whether a new one was queued.
func (hook *Hook[T]) schedule() bool {
	hook.mu.Lock()
	if !hook.mounted || !hook.bound || hook.pending != nil {
		hook.mu.Unlock()
		return false
	}
	if hook.cfg.coalesce <= 0 {
		hook.mu.Unlock()
		_, err := hook.start()
		return err == nil
	}

	epoch := hook.epoch
	hook.bg.Add(1)
	hook.pending = time.AfterFunc(hook.cfg.coalesce, func() {
		defer hook.bg.Done()
		hook.mu.Lock()
		if hook.epoch != epoch || hook.pending == nil {
			hook.mu.Unlock()
			return
		}
		hook.pending = nil
		hook.mu.Unlock()
		_, _ = hook.start()
	})
	hook.mu.Unlock()
	return true
}

// Settled waits until no fetch is loading, the hook is unmounted, or ctx
// ends, and returns the state at that point.
func (hook *Hook[T]) Settled(ctx context.Context) (State[T], error) {
	for {
		hook.mu.Lock()
		snapshot := hook.state
		wait := hook.settled
		mounted := hook.mounted
		hook.mu.Unlock()

		if !snapshot.Loading || !mounted {
			return snapshot, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return snapshot, ctx.Err()
		}
	}
}
