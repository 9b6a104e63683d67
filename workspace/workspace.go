// Package workspace is the workspace directory and the per-user session.
//
// The directory persists workspaces and memberships. Every membership has
// a role, and roles map to permissions the gateway checks before it lets
// a user read or write a workspace's rows.
//
// # Usage
//
//	app := hubs.New(
//	    hubs.WithModules(
//	        workspace.New(),
//	    ),
//	)
//
//	dir := app.Workspaces().(*workspace.Module)
//	ws, err := dir.Create(ctx, workspace.CreateInput{Name: "Fall Tour", OwnerID: userID})
//
//	session := workspace.NewSession(dir, userID)
//	err = session.SwitchWorkspace(ctx, ws.ID)
//
// # Roles
//
//	owner:  workspace:read, workspace:write, workspace:manage_members, workspace:delete
//	admin:  workspace:read, workspace:write, workspace:manage_members
//	member: workspace:read, workspace:write
//
// # Configuration
//
//	workspace:
//	  db_path: ./data/workspaces.db
//
// When a cache module is registered first, role lookups are cached in it
// and dropped whenever a membership changes.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/talosaether/hubs"
)

var (
	ErrNotFound       = errors.New("workspace not found")
	ErrNameRequired   = errors.New("workspace name is required")
	ErrMemberNotFound = errors.New("member not found")
	ErrMemberExists   = errors.New("user is already a member of this workspace")
	ErrInvalidRole    = errors.New("invalid role")
	ErrLastOwner      = errors.New("workspace must keep at least one owner")
)

// Roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Permissions.
const (
	PermRead          = "workspace:read"
	PermWrite         = "workspace:write"
	PermManageMembers = "workspace:manage_members"
	PermDelete        = "workspace:delete"
)

// DefaultRolePermissions maps each role to what it may do.
var DefaultRolePermissions = map[string][]string{
	RoleOwner:  {PermRead, PermWrite, PermManageMembers, PermDelete},
	RoleAdmin:  {PermRead, PermWrite, PermManageMembers},
	RoleMember: {PermRead, PermWrite},
}

// Workspace is a tenant: every scoped row belongs to exactly one.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership is a user's role in a workspace.
type Membership struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateInput is what Create needs. OwnerID, when set, becomes the first
// member with the owner role.
type CreateInput struct {
	Name    string
	OwnerID string
}

// RoleCache holds role lookups between membership changes. The cache
// module satisfies it.
type RoleCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// noRole is cached for non-members, since "" reads back as a miss.
const noRole = "-"

// Module is the workspace directory module.
type Module struct {
	store           Store
	roles           RoleCache
	dbPath          string
	rolePermissions map[string]map[string]bool
	now             func() time.Time
	logger          *slog.Logger
}

// Option configures the module.
type Option func(*Module)

// WithStore sets a custom store implementation.
func WithStore(store Store) Option {
	return func(mod *Module) {
		mod.store = store
	}
}

// WithDBPath sets the SQLite database path.
func WithDBPath(path string) Option {
	return func(mod *Module) {
		mod.dbPath = path
	}
}

// WithRolePermissions replaces the role-permission mapping.
func WithRolePermissions(rolePerms map[string][]string) Option {
	return func(mod *Module) {
		mod.rolePermissions = buildPermissionMap(rolePerms)
	}
}

// WithRoleCache caches role lookups in roles.
func WithRoleCache(roles RoleCache) Option {
	return func(mod *Module) {
		mod.roles = roles
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(mod *Module) {
		mod.logger = logger
	}
}

// New creates a workspace directory module.
func New(opts ...Option) *Module {
	mod := &Module{
		dbPath:          "./data/workspaces.db",
		rolePermissions: buildPermissionMap(DefaultRolePermissions),
		now:             func() time.Time { return time.Now().UTC() },
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(mod)
	}
	return mod
}

func buildPermissionMap(rolePerms map[string][]string) map[string]map[string]bool {
	result := make(map[string]map[string]bool, len(rolePerms))
	for role, perms := range rolePerms {
		result[role] = make(map[string]bool, len(perms))
		for _, perm := range perms {
			result[role][perm] = true
		}
	}
	return result
}

// Name returns the module identifier.
func (mod *Module) Name() string {
	return "workspaces"
}

// Init reads workspace.db_path, picks up a registered cache module and
// opens the store.
func (mod *Module) Init(ctx context.Context, app *hubs.App) error {
	mod.logger = app.Logger()
	if mod.roles == nil {
		if registered, ok := app.Module("cache"); ok {
			if roles, ok := registered.(RoleCache); ok {
				mod.roles = roles
			}
		}
	}
	if cfg := app.ConfigData(); cfg != nil {
		if dbPath := cfg.GetString("workspace.db_path"); dbPath != "" {
			mod.dbPath = dbPath
		}
	}
	return mod.Open()
}

// Open creates the SQLite store unless one was supplied. Init calls it;
// standalone callers call it directly.
func (mod *Module) Open() error {
	if mod.store != nil {
		return nil
	}
	store, err := NewSQLiteStore(mod.dbPath)
	if err != nil {
		return fmt.Errorf("failed to create workspace store: %w", err)
	}
	mod.store = store
	mod.logger.Info("workspace module initialized", "db_path", mod.dbPath, "role_cache", mod.roles != nil)
	return nil
}

// Shutdown closes the store.
func (mod *Module) Shutdown(ctx context.Context) error {
	if mod.store != nil {
		return mod.store.Close()
	}
	return nil
}

// Create creates a workspace and, when input.OwnerID is set, its owner
// membership.
func (mod *Module) Create(ctx context.Context, input CreateInput) (*Workspace, error) {
	if input.Name == "" {
		return nil, ErrNameRequired
	}
	now := mod.now()
	ws := &Workspace{
		ID:        uuid.New().String(),
		Name:      input.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := mod.store.Create(ctx, ws); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	if input.OwnerID != "" {
		if _, err := mod.AddMember(ctx, ws.ID, input.OwnerID, RoleOwner); err != nil {
			return nil, err
		}
	}
	mod.logger.Info("workspace created", "workspace_id", ws.ID, "name", ws.Name)
	return ws, nil
}

// Get returns a workspace by id.
func (mod *Module) Get(ctx context.Context, id string) (*Workspace, error) {
	return mod.store.GetByID(ctx, id)
}

// Rename changes a workspace's name.
func (mod *Module) Rename(ctx context.Context, id, name string) (*Workspace, error) {
	if name == "" {
		return nil, ErrNameRequired
	}
	ws, err := mod.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	ws.Name = name
	ws.UpdatedAt = mod.now()
	if err := mod.store.Update(ctx, ws); err != nil {
		return nil, fmt.Errorf("failed to update workspace: %w", err)
	}
	return ws, nil
}

// Delete removes a workspace and its memberships.
func (mod *Module) Delete(ctx context.Context, id string) error {
	if mod.roles != nil {
		members, err := mod.store.ListMembers(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}
		defer func() {
			for _, member := range members {
				mod.forgetRole(ctx, id, member.UserID)
			}
		}()
	}
	if err := mod.store.DeleteMembershipsByWorkspace(ctx, id); err != nil {
		return fmt.Errorf("failed to delete workspace memberships: %w", err)
	}
	return mod.store.Delete(ctx, id)
}

// ListForUser returns the workspaces userID belongs to, by name.
func (mod *Module) ListForUser(ctx context.Context, userID string) ([]*Workspace, error) {
	return mod.store.ListForUser(ctx, userID)
}

// AddMember adds userID to a workspace with role.
func (mod *Module) AddMember(ctx context.Context, workspaceID, userID, role string) (*Membership, error) {
	if _, ok := mod.rolePermissions[role]; !ok {
		return nil, ErrInvalidRole
	}
	if _, err := mod.store.GetByID(ctx, workspaceID); err != nil {
		return nil, err
	}

	existing, err := mod.store.GetMembership(ctx, workspaceID, userID)
	if err != nil && !errors.Is(err, ErrMemberNotFound) {
		return nil, fmt.Errorf("failed to check existing membership: %w", err)
	}
	if existing != nil {
		return nil, ErrMemberExists
	}

	now := mod.now()
	membership := &Membership{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		UserID:      userID,
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := mod.store.CreateMembership(ctx, membership); err != nil {
		return nil, fmt.Errorf("failed to add member: %w", err)
	}
	mod.forgetRole(ctx, workspaceID, userID)
	return membership, nil
}

// RemoveMember removes userID from a workspace. The last owner stays.
func (mod *Module) RemoveMember(ctx context.Context, workspaceID, userID string) error {
	membership, err := mod.store.GetMembership(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if membership.Role == RoleOwner {
		if err := mod.keepOwner(ctx, workspaceID); err != nil {
			return err
		}
	}
	defer mod.forgetRole(ctx, workspaceID, userID)
	return mod.store.DeleteMembership(ctx, workspaceID, userID)
}

// UpdateMemberRole changes a member's role.
func (mod *Module) UpdateMemberRole(ctx context.Context, workspaceID, userID, role string) (*Membership, error) {
	if _, ok := mod.rolePermissions[role]; !ok {
		return nil, ErrInvalidRole
	}
	membership, err := mod.store.GetMembership(ctx, workspaceID, userID)
	if err != nil {
		return nil, err
	}
	if membership.Role == RoleOwner && role != RoleOwner {
		if err := mod.keepOwner(ctx, workspaceID); err != nil {
			return nil, err
		}
	}
	membership.Role = role
	membership.UpdatedAt = mod.now()
	if err := mod.store.UpdateMembership(ctx, membership); err != nil {
		return nil, fmt.Errorf("failed to update member role: %w", err)
	}
	mod.forgetRole(ctx, workspaceID, userID)
	return membership, nil
}

// keepOwner fails when removing one owner would leave none.
func (mod *Module) keepOwner(ctx context.Context, workspaceID string) error {
	members, err := mod.store.ListMembers(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	owners := 0
	for _, member := range members {
		if member.Role == RoleOwner {
			owners++
		}
	}
	if owners <= 1 {
		return ErrLastOwner
	}
	return nil
}

// Members lists a workspace's memberships.
func (mod *Module) Members(ctx context.Context, workspaceID string) ([]*Membership, error) {
	if _, err := mod.store.GetByID(ctx, workspaceID); err != nil {
		return nil, err
	}
	return mod.store.ListMembers(ctx, workspaceID)
}

// Role returns userID's role in a workspace, or "" for non-members.
func (mod *Module) Role(ctx context.Context, workspaceID, userID string) string {
	if workspaceID == "" || userID == "" {
		return ""
	}
	if mod.roles != nil {
		if cached, ok := mod.roles.Get(ctx, roleKey(workspaceID, userID)); ok {
			if string(cached) == noRole {
				return ""
			}
			return string(cached)
		}
	}
	membership, err := mod.store.GetMembership(ctx, workspaceID, userID)
	if err != nil {
		if !errors.Is(err, ErrMemberNotFound) {
			mod.logger.Error("failed to read membership", "workspace_id", workspaceID, "error", err)
			return ""
		}
		mod.rememberRole(ctx, workspaceID, userID, noRole)
		return ""
	}
	mod.rememberRole(ctx, workspaceID, userID, membership.Role)
	return membership.Role
}

func roleKey(workspaceID, userID string) string {
	return "role:" + workspaceID + ":" + userID
}

func (mod *Module) rememberRole(ctx context.Context, workspaceID, userID, role string) {
	if mod.roles == nil {
		return
	}
	if err := mod.roles.Set(ctx, roleKey(workspaceID, userID), []byte(role)); err != nil {
		mod.logger.Warn("failed to cache role", "workspace_id", workspaceID, "error", err)
	}
}

func (mod *Module) forgetRole(ctx context.Context, workspaceID, userID string) {
	if mod.roles == nil {
		return
	}
	if err := mod.roles.Delete(ctx, roleKey(workspaceID, userID)); err != nil {
		mod.logger.Warn("failed to drop cached role", "workspace_id", workspaceID, "error", err)
	}
}

// IsMember reports whether userID belongs to a workspace.
func (mod *Module) IsMember(ctx context.Context, workspaceID, userID string) bool {
	return mod.Role(ctx, workspaceID, userID) != ""
}

// Can reports whether userID's role in a workspace grants permission.
func (mod *Module) Can(ctx context.Context, userID, permission, workspaceID string) bool {
	role := mod.Role(ctx, workspaceID, userID)
	if role == "" {
		return false
	}
	return mod.RoleHasPermission(role, permission)
}

// RoleHasPermission checks a role against the mapping.
func (mod *Module) RoleHasPermission(role, permission string) bool {
	return mod.rolePermissions[role][permission]
}

// Roles lists the defined roles, sorted.
func (mod *Module) Roles() []string {
	roles := make([]string, 0, len(mod.rolePermissions))
	for role := range mod.rolePermissions {
		roles = append(roles, role)
	}
	slices.Sort(roles)
	return roles
}
