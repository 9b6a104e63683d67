package moduledata

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/talosaether/hubs/source"
)

// Search defaults.
const (
	DefaultSearchDebounce = 300 * time.Millisecond
	DefaultSearchLimit    = 50
	MinSearchLength       = 2
)

// SearchHit is one matching row.
type SearchHit struct {
	Table  string        `json:"table"`
	Record source.Record `json:"record"`
}

// SearchState is what a search box renders.
type SearchState struct {
	Query   string
	Hits    []SearchHit
	Loading bool
	Err     error
	Version uint64
}

// Search is a debounced text search across a workspace's tables. Only the
// latest query's results are ever applied.
type Search struct {
	src         source.Source
	workspaceID string
	tables      []string
	debounce    time.Duration
	limit       int
	parallel    int
	logger      *slog.Logger

	mu     sync.Mutex
	state  SearchState
	seq    uint64
	timer  *time.Timer
	cancel context.CancelFunc
	closed bool
	bg     sync.WaitGroup

	obsMu     sync.Mutex
	observers map[uint64]func(SearchState)
	nextObs   uint64
	delivered uint64
}

// SearchOption configures a Search.
type SearchOption func(*Search)

// WithSearchDebounce sets how long typing must pause before a query runs.
func WithSearchDebounce(debounce time.Duration) SearchOption {
	return func(search *Search) {
		search.debounce = debounce
	}
}

// WithSearchLimit caps the number of hits.
func WithSearchLimit(limit int) SearchOption {
	return func(search *Search) {
		search.limit = limit
	}
}

// WithSearchTables restricts the searched tables.
func WithSearchTables(tables ...string) SearchOption {
	return func(search *Search) {
		search.tables = tables
	}
}

// WithSearchLogger sets the logger.
func WithSearchLogger(logger *slog.Logger) SearchOption {
	return func(search *Search) {
		search.logger = logger
	}
}

// NewSearch creates a search over every table in registry.
func NewSearch(src source.Source, registry *Registry, workspaceID string, opts ...SearchOption) *Search {
	search := &Search{
		src:         src,
		workspaceID: workspaceID,
		tables:      registry.Tables(),
		debounce:    DefaultSearchDebounce,
		limit:       DefaultSearchLimit,
		parallel:    4,
		logger:      slog.Default(),
		observers:   make(map[uint64]func(SearchState)),
	}
	for _, opt := range opts {
		opt(search)
	}
	return search
}

// State returns the current state.
func (search *Search) State() SearchState {
	search.mu.Lock()
	defer search.mu.Unlock()
	return search.state
}

// Subscribe registers fn for every state change. The returned function
// removes it.
func (search *Search) Subscribe(fn func(SearchState)) func() {
	search.obsMu.Lock()
	defer search.obsMu.Unlock()
	search.nextObs++
	id := search.nextObs
	search.observers[id] = fn
	return func() {
		search.obsMu.Lock()
		defer search.obsMu.Unlock()
		delete(search.observers, id)
	}
}

// publish delivers snapshot outside obsMu so observers may call back into
// the search.
func (search *Search) publish(snapshot SearchState) {
	search.obsMu.Lock()
	if snapshot.Version <= search.delivered {
		search.obsMu.Unlock()
		return
	}
	search.delivered = snapshot.Version
	observers := make([]func(SearchState), 0, len(search.observers))
	for _, fn := range search.observers {
		observers = append(observers, fn)
	}
	search.obsMu.Unlock()
	for _, fn := range observers {
		fn(snapshot)
	}
}

// supersede must be called with mu held.
func (search *Search) supersede() {
	search.seq++
	if search.cancel != nil {
		search.cancel()
		search.cancel = nil
	}
	if search.timer != nil {
		if search.timer.Stop() {
			search.bg.Done()
		}
		search.timer = nil
	}
}

// SetQuery replaces the query text. Text shorter than MinSearchLength
// clears the results without searching. Without a workspace the state
// carries ErrNoWorkspace instead.
func (search *Search) SetQuery(text string) {
	search.mu.Lock()
	if search.closed {
		search.mu.Unlock()
		return
	}
	search.supersede()
	seq := search.seq
	search.state.Query = text
	search.state.Err = nil

	if search.workspaceID == "" {
		search.state.Hits = nil
		search.state.Loading = false
		search.state.Err = ErrNoWorkspace
		search.state.Version++
		snapshot := search.state
		search.mu.Unlock()
		search.logger.Warn("search refused query", "query", text, "error", ErrNoWorkspace)
		search.publish(snapshot)
		return
	}
	if len([]rune(strings.TrimSpace(text))) < MinSearchLength {
		search.state.Hits = nil
		search.state.Loading = false
		search.state.Version++
		snapshot := search.state
		search.mu.Unlock()
		search.publish(snapshot)
		return
	}

	search.state.Loading = true
	search.state.Version++
	snapshot := search.state
	search.bg.Add(1)
	search.timer = time.AfterFunc(search.debounce, func() {
		defer search.bg.Done()
		search.run(seq, text)
	})
	search.mu.Unlock()
	search.publish(snapshot)
}

func (search *Search) run(seq uint64, text string) {
	search.mu.Lock()
	if search.closed || seq != search.seq {
		search.mu.Unlock()
		return
	}
	search.timer = nil
	ctx, cancel := context.WithCancel(context.Background())
	search.cancel = cancel
	search.mu.Unlock()
	defer cancel()

	hits, err := search.query(ctx, strings.TrimSpace(text))

	search.mu.Lock()
	if search.closed || seq != search.seq {
		search.mu.Unlock()
		search.logger.Debug("discarding superseded search", "query", text)
		return
	}
	search.cancel = nil
	search.state.Hits = hits
	search.state.Err = err
	search.state.Loading = false
	search.state.Version++
	snapshot := search.state
	search.mu.Unlock()
	search.publish(snapshot)
}

func (search *Search) query(ctx context.Context, needle string) ([]SearchHit, error) {
	perTable := make([][]SearchHit, len(search.tables))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(search.parallel)
	for i, table := range search.tables {
		group.Go(func() error {
			records, err := search.src.Fetch(ctx, source.Query{
				Table:       table,
				WorkspaceID: search.workspaceID,
				Match:       needle,
				Limit:       search.limit,
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				search.logger.Warn("search skipped table", "table", table, "error", err)
				return nil
			}
			for _, rec := range records {
				perTable[i] = append(perTable[i], SearchHit{Table: table, Record: rec})
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	hits := []SearchHit{}
	for _, tableHits := range perTable {
		for _, hit := range tableHits {
			if search.limit > 0 && len(hits) == search.limit {
				return hits, nil
			}
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

// Close stops pending searches and waits for a running one to finish.
func (search *Search) Close() {
	search.mu.Lock()
	if search.closed {
		search.mu.Unlock()
		return
	}
	search.closed = true
	search.supersede()
	search.mu.Unlock()
	search.bg.Wait()
}
