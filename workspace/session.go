package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/talosaether/hubs/moduledata"
)

var (
	ErrNotMember = errors.New("user is not a member of this workspace")
	ErrSignedOut = errors.New("session is signed out")
)

// Directory is what a Session needs from the workspace directory.
type Directory interface {
	Get(ctx context.Context, id string) (*Workspace, error)
	IsMember(ctx context.Context, workspaceID, userID string) bool
}

// Preferences are per-session UI settings.
type Preferences struct {
	SidebarCollapsed bool   `json:"sidebar_collapsed"`
	Theme            string `json:"theme"`
}

// Change tells listeners the current workspace moved. Current is "" after
// sign-out.
type Change struct {
	Previous  string
	Current   string
	SignedOut bool
}

// Session is one user's workspace selection. It is passed explicitly to
// whatever needs it; hooks read the workspace id from it and never set it.
type Session struct {
	mu        sync.Mutex
	dir       Directory
	userID    string
	current   *Workspace
	module    string
	prefs     Preferences
	signedOut bool
	listeners map[int]func(Change)
	nextID    int
	logger    *slog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithPreferences sets the initial preferences.
func WithPreferences(prefs Preferences) SessionOption {
	return func(session *Session) {
		session.prefs = prefs
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(session *Session) {
		session.logger = logger
	}
}

// NewSession starts a session for userID with no workspace selected.
func NewSession(dir Directory, userID string, opts ...SessionOption) *Session {
	session := &Session{
		dir:       dir,
		userID:    userID,
		prefs:     Preferences{Theme: "system"},
		listeners: make(map[int]func(Change)),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(session)
	}
	return session
}

// UserID returns the signed-in user, or "" after sign-out.
func (session *Session) UserID() string {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.userID
}

// CurrentWorkspace returns the selected workspace.
func (session *Session) CurrentWorkspace() (Workspace, bool) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.current == nil {
		return Workspace{}, false
	}
	return *session.current, true
}

// WorkspaceID returns the selected workspace id, or "".
func (session *Session) WorkspaceID() string {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.current == nil {
		return ""
	}
	return session.current.ID
}

// CurrentModule returns the open module id, or "".
func (session *Session) CurrentModule() string {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.module
}

// SetModule records the open module.
func (session *Session) SetModule(moduleID string) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.module = moduleID
}

// Preferences returns the UI preferences.
func (session *Session) Preferences() Preferences {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.prefs
}

// SetPreferences replaces the UI preferences.
func (session *Session) SetPreferences(prefs Preferences) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.prefs = prefs
}

// ToggleSidebar flips SidebarCollapsed and returns the new value.
func (session *Session) ToggleSidebar() bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.prefs.SidebarCollapsed = !session.prefs.SidebarCollapsed
	return session.prefs.SidebarCollapsed
}

// Scope builds a hook scope for a tab in the current workspace.
func (session *Session) Scope(moduleID, tabSlug string) moduledata.Scope {
	return moduledata.Scope{
		WorkspaceID: session.WorkspaceID(),
		ModuleID:    moduleID,
		TabSlug:     tabSlug,
	}
}

// SwitchWorkspace selects id after checking the user belongs to it. The
// open module is reset and listeners are told. Switching to the current
// workspace does nothing.
func (session *Session) SwitchWorkspace(ctx context.Context, id string) error {
	session.mu.Lock()
	signedOut, userID := session.signedOut, session.userID
	previous := ""
	if session.current != nil {
		previous = session.current.ID
	}
	session.mu.Unlock()

	if signedOut {
		return ErrSignedOut
	}
	if id == previous {
		return nil
	}
	if !session.dir.IsMember(ctx, id, userID) {
		session.logger.Warn("workspace switch refused", "workspace_id", id, "user_id", userID)
		return fmt.Errorf("%w: %s", ErrNotMember, id)
	}
	ws, err := session.dir.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load workspace: %w", err)
	}

	session.mu.Lock()
	if session.signedOut {
		session.mu.Unlock()
		return ErrSignedOut
	}
	if session.current != nil {
		previous = session.current.ID
	}
	session.current = ws
	session.module = ""
	listeners := session.snapshot()
	session.mu.Unlock()

	session.logger.Info("workspace switched", "workspace_id", id, "previous", previous)
	notify(listeners, Change{Previous: previous, Current: id})
	return nil
}

// SignOut clears the selection and preferences and tells listeners. The
// session cannot switch workspaces afterwards.
func (session *Session) SignOut() {
	session.mu.Lock()
	if session.signedOut {
		session.mu.Unlock()
		return
	}
	previous := ""
	if session.current != nil {
		previous = session.current.ID
	}
	session.signedOut = true
	session.userID = ""
	session.current = nil
	session.module = ""
	session.prefs = Preferences{Theme: "system"}
	listeners := session.snapshot()
	session.listeners = make(map[int]func(Change))
	session.mu.Unlock()

	session.logger.Info("session signed out")
	notify(listeners, Change{Previous: previous, SignedOut: true})
}

// OnChange registers fn for workspace changes. The returned function
// removes it.
func (session *Session) OnChange(fn func(Change)) func() {
	session.mu.Lock()
	defer session.mu.Unlock()
	id := session.nextID
	session.nextID++
	session.listeners[id] = fn
	return func() {
		session.mu.Lock()
		defer session.mu.Unlock()
		delete(session.listeners, id)
	}
}

// Scoped is anything bound to a workspace scope, such as a module data
// hook.
type Scoped interface {
	Scope() moduledata.Scope
	Rescope(scope moduledata.Scope)
}

// Follow keeps target on the session's workspace: it is rescoped now and
// on every change. Sign-out rescopes it to no workspace.
func (session *Session) Follow(target Scoped) func() {
	move := func(workspaceID string) {
		scope := target.Scope()
		scope.WorkspaceID = workspaceID
		target.Rescope(scope)
	}
	stop := session.OnChange(func(change Change) {
		move(change.Current)
	})
	move(session.WorkspaceID())
	return stop
}

// snapshot copies listeners in registration order; callers hold mu.
func (session *Session) snapshot() []func(Change) {
	listeners := make([]func(Change), 0, len(session.listeners))
	for id := 0; id < session.nextID; id++ {
		if fn, ok := session.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	return listeners
}

func notify(listeners []func(Change), change Change) {
	for _, fn := range listeners {
		fn(change)
	}
}
