package moduledata

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/talosaether/hubs/realtime"
	"github.com/talosaether/hubs/source"
	"github.com/talosaether/hubs/source/memory"
)

// fetchCall is one Fetch parked until the test answers it.
type fetchCall struct {
	query source.Query
	ctx   context.Context
	reply chan fetchReply
}

type fetchReply struct {
	records []source.Record
	err     error
}

func (call *fetchCall) respond(records []source.Record, err error) {
	call.reply <- fetchReply{records: records, err: err}
}

type fakeSink struct {
	filter   source.EventFilter
	handle   *source.Handle
	onChange func(source.ChangeEvent)
}

// fakeSource hands every Fetch to the test and records subscriptions.
type fakeSource struct {
	calls chan *fetchCall

	mu         sync.Mutex
	sinks      []fakeSink
	subscribes int
}

func newFakeSource() *fakeSource {
	return &fakeSource{calls: make(chan *fetchCall, 32)}
}

func (src *fakeSource) Fetch(ctx context.Context, query source.Query) ([]source.Record, error) {
	call := &fetchCall{query: query, ctx: ctx, reply: make(chan fetchReply, 1)}
	src.calls <- call
	select {
	case reply := <-call.reply:
		return reply.records, reply.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (src *fakeSource) Subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error) {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.subscribes++
	handle := source.NewHandle(nil)
	src.sinks = append(src.sinks, fakeSink{filter: filter, handle: handle, onChange: onChange})
	return handle, nil
}

// emit delivers event to every open subscription whose filter matches.
func (src *fakeSource) emit(event source.ChangeEvent) {
	src.mu.Lock()
	sinks := slices.Clone(src.sinks)
	src.mu.Unlock()
	for _, sink := range sinks {
		select {
		case <-sink.handle.Done():
			continue
		default:
		}
		if sink.filter.Matches(event) {
			sink.onChange(event)
		}
	}
}

// drop ends every open subscription the way a lost transport would.
func (src *fakeSource) drop(cause error) {
	src.mu.Lock()
	sinks := slices.Clone(src.sinks)
	src.mu.Unlock()
	for _, sink := range sinks {
		sink.handle.Drop(cause)
	}
}

func (src *fakeSource) subscribeCount() int {
	src.mu.Lock()
	defer src.mu.Unlock()
	return src.subscribes
}

func (src *fakeSource) openFilters() []source.EventFilter {
	src.mu.Lock()
	defer src.mu.Unlock()
	var filters []source.EventFilter
	for _, sink := range src.sinks {
		select {
		case <-sink.handle.Done():
		default:
			filters = append(filters, sink.filter)
		}
	}
	return filters
}

func (src *fakeSource) next(t *testing.T) *fetchCall {
	t.Helper()
	select {
	case call := <-src.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("no fetch issued")
		return nil
	}
}

func (src *fakeSource) expectNoFetch(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case call := <-src.calls:
		t.Fatalf("unexpected fetch of %s", call.query.Table)
	case <-time.After(wait):
	}
}

// recorder collects every state an observer sees.
type recorder[T any] struct {
	mu     sync.Mutex
	states []State[T]
}

func (rec *recorder[T]) observe(state State[T]) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.states = append(rec.states, state)
}

func (rec *recorder[T]) all() []State[T] {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return slices.Clone(rec.states)
}

func (rec *recorder[T]) count() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.states)
}

func (rec *recorder[T]) last() State[T] {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.states) == 0 {
		return State[T]{}
	}
	return rec.states[len(rec.states)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() realtime.Backoff {
	return realtime.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

// testOptions keeps hooks fast and quiet.
func testOptions(extra ...Option) []Option {
	opts := []Option{
		WithLogger(quietLogger()),
		WithCoalesceWindow(0),
		WithChannelBackoff(fastBackoff()),
	}
	return append(opts, extra...)
}

func rows(workspaceID string, ids ...string) []source.Record {
	out := make([]source.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, source.Record{ID: id, Table: "files", WorkspaceID: workspaceID, Fields: map[string]any{"name": id}})
	}
	return out
}

func ids(records []source.Record) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ID)
	}
	return out
}

// droppableSource is a memory source whose subscriptions the test can cut.
type droppableSource struct {
	*memory.Source

	mu      sync.Mutex
	handles []*source.Handle
}

func (src *droppableSource) Subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error) {
	inner, err := src.Source.Subscribe(ctx, filter, onChange)
	if err != nil {
		return nil, err
	}
	handle := source.NewHandle(func() { _ = inner.Close() })
	src.mu.Lock()
	src.handles = append(src.handles, handle)
	src.mu.Unlock()
	return handle, nil
}

func (src *droppableSource) dropAll(cause error) {
	src.mu.Lock()
	handles := slices.Clone(src.handles)
	src.mu.Unlock()
	for _, handle := range handles {
		handle.Drop(cause)
	}
}
