package hubs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talosaether/hubs/source"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingModule struct {
	name     string
	initErr  error
	shutErr  error
	shutdown *[]string
	sawApp   func(*App)
}

func (mod *recordingModule) Name() string { return mod.name }

func (mod *recordingModule) Init(ctx context.Context, app *App) error {
	if mod.sawApp != nil {
		mod.sawApp(app)
	}
	return mod.initErr
}

func (mod *recordingModule) Shutdown(ctx context.Context) error {
	if mod.shutdown != nil {
		*mod.shutdown = append(*mod.shutdown, mod.name)
	}
	return mod.shutErr
}

type fakeSource struct{ recordingModule }

func (src *fakeSource) Fetch(ctx context.Context, query source.Query) ([]source.Record, error) {
	return nil, nil
}

func (src *fakeSource) Subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error) {
	return source.NewHandle(nil), nil
}

type fakeBus struct{ recordingModule }

func (bus *fakeBus) Publish(ctx context.Context, event source.ChangeEvent) {}

func (bus *fakeBus) Subscribe(ctx context.Context, filter source.EventFilter, onChange func(source.ChangeEvent)) (source.Subscription, error) {
	return source.NewHandle(nil), nil
}

type fakeDirectory struct{ recordingModule }

func (dir *fakeDirectory) IsMember(ctx context.Context, workspaceID, userID string) bool {
	return userID == "u1"
}

func (dir *fakeDirectory) Can(ctx context.Context, userID, permission, workspaceID string) bool {
	return userID == "u1"
}

func TestRegister_DetectsRoles(t *testing.T) {
	ctx := context.Background()
	app := New(WithLogger(quietLogger()))

	assert.False(t, app.HasSource())
	assert.False(t, app.HasBus())
	assert.Nil(t, app.Workspaces())
	assert.Panics(t, func() { app.Source() })
	assert.Panics(t, func() { app.Bus() })

	require.NoError(t, app.Register(ctx, &fakeBus{recordingModule{name: "realtime"}}))
	assert.True(t, app.HasBus())
	assert.False(t, app.HasSource())

	var sawBus bool
	src := &fakeSource{recordingModule{name: "source", sawApp: func(app *App) { sawBus = app.HasBus() }}}
	require.NoError(t, app.Register(ctx, src))
	assert.True(t, sawBus, "modules registered earlier are reachable during Init")
	assert.Same(t, src, app.Source())

	require.NoError(t, app.Register(ctx, &fakeDirectory{recordingModule{name: "workspaces"}}))
	require.NotNil(t, app.Workspaces())
	assert.True(t, app.Workspaces().IsMember(ctx, "ws1", "u1"))

	mod, ok := app.Module("workspaces")
	assert.True(t, ok)
	assert.Equal(t, "workspaces", mod.Name())
}

func TestRegister_Errors(t *testing.T) {
	ctx := context.Background()
	app := New(WithLogger(quietLogger()))

	require.NoError(t, app.Register(ctx, &recordingModule{name: "gateway"}))
	assert.Error(t, app.Register(ctx, &recordingModule{name: "gateway"}))

	boom := errors.New("boom")
	err := app.Register(ctx, &recordingModule{name: "broken", initErr: boom})
	assert.ErrorIs(t, err, boom)
	_, ok := app.Module("broken")
	assert.False(t, ok)
}

func TestShutdown_ReverseOrder(t *testing.T) {
	ctx := context.Background()
	var order []string
	boom := errors.New("boom")
	app := New(
		WithLogger(quietLogger()),
		WithModules(
			&recordingModule{name: "realtime", shutdown: &order},
			&recordingModule{name: "source", shutdown: &order, shutErr: boom},
			&recordingModule{name: "gateway", shutdown: &order},
		),
	)

	err := app.Shutdown(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"gateway", "source", "realtime"}, order)
	_, ok := app.Module("gateway")
	assert.False(t, ok)
}

func TestWithConfigData_AppliesHubsSection(t *testing.T) {
	cfg, err := ParseConfig([]byte("hubs:\n  env: staging\n  log_level: debug\ngateway:\n  addr: \":9000\"\n"))
	require.NoError(t, err)

	app := New(WithConfigData(cfg))
	assert.Equal(t, "staging", app.Config().Env)
	assert.Equal(t, slog.LevelDebug, app.Config().LogLevel)
	assert.Equal(t, ":9000", app.ConfigData().GetString("gateway.addr"))

	bare := New()
	assert.Nil(t, bare.ConfigData())
	assert.Equal(t, "development", bare.Config().Env)
}
