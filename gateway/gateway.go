// Package gateway serves any source over HTTP and websockets, so that
// source/remote clients in other processes read the same rows and see the
// same change events.
//
// # Routes
//
//	GET    /healthz
//	POST   /v1/sessions
//	DELETE /v1/sessions
//	GET    /v1/modules
//	GET    /v1/modules/{module}/tabs/{tab}?workspace_id=
//	GET    /v1/tables/{table}?workspace_id=&filter.col=...
//	POST   /v1/tables/{table}
//	PATCH  /v1/tables/{table}/{id}?workspace_id=
//	DELETE /v1/tables/{table}/{id}?workspace_id=
//	GET    /v1/realtime (websocket)
//
// With an auth module registered, /v1 requests carry a bearer token issued
// by POST /v1/sessions. Without one the gateway trusts the X-User-ID
// header, which is only fit for development. Reads need workspace:read and
// writes workspace:write in the workspace they touch.
//
// # Configuration
//
//	gateway:
//	  addr: :8080
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/talosaether/hubs"
	"github.com/talosaether/hubs/auth"
	"github.com/talosaether/hubs/moduledata"
	"github.com/talosaether/hubs/source"
)

// Authorizer answers permission questions for a workspace.
type Authorizer interface {
	Can(ctx context.Context, userID, permission, workspaceID string) bool
}

// Accounts issues and resolves bearer tokens.
type Accounts interface {
	SignIn(ctx context.Context, email, password string) (*auth.Token, error)
	SignOut(ctx context.Context, token string) error
	Resolve(ctx context.Context, token string) (string, error)
}

// Module is the gateway module.
type Module struct {
	addr         string
	src          source.Source
	authz        Authorizer
	accounts     Accounts
	registry     *moduledata.Registry
	hookOpts     []moduledata.Option
	viewTimeout  time.Duration
	ackTimeout   time.Duration
	outboxSize   int
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	shutdownWait time.Duration

	mu      sync.Mutex
	server  *http.Server
	sockets map[*websocket.Conn]struct{}
	conns   sync.WaitGroup
}

// Option configures the gateway.
type Option func(*Module)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(mod *Module) {
		mod.addr = addr
	}
}

// WithSource sets the source to serve. Without it Init uses the App's.
func WithSource(src source.Source) Option {
	return func(mod *Module) {
		mod.src = src
	}
}

// WithAuthorizer sets the permission check. Without it Init uses the App's
// workspace directory.
func WithAuthorizer(authz Authorizer) Option {
	return func(mod *Module) {
		mod.authz = authz
	}
}

// WithAccounts sets the token authority. Without it Init uses the App's
// auth module, if one is registered.
func WithAccounts(accounts Accounts) Option {
	return func(mod *Module) {
		mod.accounts = accounts
	}
}

// WithRegistry sets the tab registry behind /v1/modules.
func WithRegistry(registry *moduledata.Registry) Option {
	return func(mod *Module) {
		mod.registry = registry
	}
}

// WithHookOptions passes options to the hooks that render tab views.
func WithHookOptions(opts ...moduledata.Option) Option {
	return func(mod *Module) {
		mod.hookOpts = append(mod.hookOpts, opts...)
	}
}

// WithOutboxSize bounds the events queued for one socket. A socket that
// falls further behind is closed.
func WithOutboxSize(size int) Option {
	return func(mod *Module) {
		mod.outboxSize = size
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(mod *Module) {
		mod.logger = logger
	}
}

// New creates a gateway module.
func New(opts ...Option) *Module {
	mod := &Module{
		addr:         ":8080",
		viewTimeout:  moduledata.DefaultFetchTimeout,
		ackTimeout:   10 * time.Second,
		outboxSize:   256,
		shutdownWait: 5 * time.Second,
		logger:       slog.Default(),
		sockets:      make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(mod)
	}
	if mod.registry == nil {
		mod.registry = moduledata.DefaultRegistry()
	}
	return mod
}

// Name returns the module identifier.
func (mod *Module) Name() string {
	return "gateway"
}

// Init reads gateway.addr and picks up the App's source, workspace
// directory and auth module.
func (mod *Module) Init(ctx context.Context, app *hubs.App) error {
	mod.logger = app.Logger()
	if cfg := app.ConfigData(); cfg != nil {
		if addr := cfg.GetString("gateway.addr"); addr != "" {
			mod.addr = addr
		}
		if path := cfg.GetString("moduledata.registry_path"); path != "" {
			registry, err := moduledata.LoadRegistry(path)
			if err != nil {
				return fmt.Errorf("failed to load registry: %w", err)
			}
			mod.registry = registry
		}
		mod.hookOpts = append(mod.hookOpts, moduledata.FromConfig(cfg)...)
	}
	if mod.src == nil {
		if !app.HasSource() {
			return errors.New("gateway requires a source module")
		}
		mod.src = app.Source()
	}
	if mod.authz == nil {
		if dir := app.Workspaces(); dir != nil {
			mod.authz = dir
		}
	}
	if mod.authz == nil {
		mod.logger.Warn("gateway has no workspace directory, every caller is trusted")
	}
	if mod.accounts == nil {
		if registered, ok := app.Module("auth"); ok {
			if accounts, ok := registered.(Accounts); ok {
				mod.accounts = accounts
			}
		}
	}
	if mod.accounts == nil {
		mod.logger.Warn("gateway has no auth module, caller identity comes from the X-User-ID header")
	}
	mod.logger.Info("gateway module initialized", "addr", mod.addr)
	return nil
}

// Shutdown stops the server and closes every realtime socket.
func (mod *Module) Shutdown(ctx context.Context) error {
	mod.mu.Lock()
	server := mod.server
	mod.server = nil
	mod.mu.Unlock()

	var err error
	if server != nil {
		err = server.Shutdown(ctx)
	}
	mod.closeSockets()
	mod.conns.Wait()
	return err
}

// Handler returns the gateway routes.
func (mod *Module) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(mod.logRequests)
	router.HandleFunc("/healthz", mod.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/v1/sessions", mod.handleSignIn).Methods(http.MethodPost)
	router.HandleFunc("/v1/sessions", mod.handleSignOut).Methods(http.MethodDelete)

	api := router.PathPrefix("/v1").Subrouter()
	api.Use(mod.requireUser)
	api.HandleFunc("/modules", mod.handleModules).Methods(http.MethodGet)
	api.HandleFunc("/modules/{module}/tabs/{tab}", mod.handleTabView).Methods(http.MethodGet)
	api.HandleFunc("/tables/{table}", mod.handleFetch).Methods(http.MethodGet)
	api.HandleFunc("/tables/{table}", mod.handleInsert).Methods(http.MethodPost)
	api.HandleFunc("/tables/{table}/{id}", mod.handleUpdate).Methods(http.MethodPatch)
	api.HandleFunc("/tables/{table}/{id}", mod.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/realtime", mod.handleRealtime).Methods(http.MethodGet)
	return router
}

// Serve listens on the configured address until ctx ends.
func (mod *Module) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", mod.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", mod.addr, err)
	}
	return mod.ServeListener(ctx, listener)
}

// ServeListener serves on listener until ctx ends, then shuts down.
func (mod *Module) ServeListener(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           mod.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	mod.mu.Lock()
	mod.server = server
	mod.mu.Unlock()

	mod.logger.Info("gateway listening", "addr", listener.Addr().String())

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mod.shutdownWait)
		defer cancel()
		return mod.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (mod *Module) track(conn *websocket.Conn) {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	mod.sockets[conn] = struct{}{}
}

func (mod *Module) untrack(conn *websocket.Conn) {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	delete(mod.sockets, conn)
}

func (mod *Module) closeSockets() {
	mod.mu.Lock()
	defer mod.mu.Unlock()
	for conn := range mod.sockets {
		_ = conn.Close()
	}
}
