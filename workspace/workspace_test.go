package workspace

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupModule(t *testing.T) *Module {
	t.Helper()
	mod := New(WithDBPath(filepath.Join(t.TempDir(), "workspaces.db")), WithLogger(quietLogger()))
	require.NoError(t, mod.Open())
	t.Cleanup(func() { _ = mod.Shutdown(context.Background()) })
	return mod
}

func TestModule_CreateAddsOwner(t *testing.T) {
	ctx := context.Background()
	mod := setupModule(t)

	ws, err := mod.Create(ctx, CreateInput{Name: "Fall Tour", OwnerID: "u1"})
	require.NoError(t, err)
	assert.NotEmpty(t, ws.ID)

	got, err := mod.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fall Tour", got.Name)
	assert.Equal(t, RoleOwner, mod.Role(ctx, ws.ID, "u1"))
	assert.True(t, mod.IsMember(ctx, ws.ID, "u1"))
	assert.False(t, mod.IsMember(ctx, ws.ID, "u2"))

	_, err = mod.Create(ctx, CreateInput{})
	assert.ErrorIs(t, err, ErrNameRequired)
	_, err = mod.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestModule_ListForUser(t *testing.T) {
	ctx := context.Background()
	mod := setupModule(t)

	tour, err := mod.Create(ctx, CreateInput{Name: "Tour", OwnerID: "u1"})
	require.NoError(t, err)
	venue, err := mod.Create(ctx, CreateInput{Name: "Arena", OwnerID: "u2"})
	require.NoError(t, err)
	_, err = mod.AddMember(ctx, venue.ID, "u1", RoleMember)
	require.NoError(t, err)

	list, err := mod.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, venue.ID, list[0].ID)
	assert.Equal(t, tour.ID, list[1].ID)

	list, err = mod.ListForUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = mod.ListForUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestModule_Members(t *testing.T) {
	ctx := context.Background()
	mod := setupModule(t)
	ws, err := mod.Create(ctx, CreateInput{Name: "Tour", OwnerID: "u1"})
	require.NoError(t, err)

	_, err = mod.AddMember(ctx, ws.ID, "u2", "superuser")
	assert.ErrorIs(t, err, ErrInvalidRole)
	_, err = mod.AddMember(ctx, "missing", "u2", RoleMember)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = mod.AddMember(ctx, ws.ID, "u2", RoleMember)
	require.NoError(t, err)
	_, err = mod.AddMember(ctx, ws.ID, "u2", RoleAdmin)
	assert.ErrorIs(t, err, ErrMemberExists)

	members, err := mod.Members(ctx, ws.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	updated, err := mod.UpdateMemberRole(ctx, ws.ID, "u2", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, updated.Role)
	assert.Equal(t, RoleAdmin, mod.Role(ctx, ws.ID, "u2"))

	require.NoError(t, mod.RemoveMember(ctx, ws.ID, "u2"))
	assert.False(t, mod.IsMember(ctx, ws.ID, "u2"))
	assert.ErrorIs(t, mod.RemoveMember(ctx, ws.ID, "u2"), ErrMemberNotFound)
}

func TestModule_KeepsLastOwner(t *testing.T) {
	ctx := context.Background()
	mod := setupModule(t)
	ws, err := mod.Create(ctx, CreateInput{Name: "Tour", OwnerID: "u1"})
	require.NoError(t, err)

	assert.ErrorIs(t, mod.RemoveMember(ctx, ws.ID, "u1"), ErrLastOwner)
	_, err = mod.UpdateMemberRole(ctx, ws.ID, "u1", RoleMember)
	assert.ErrorIs(t, err, ErrLastOwner)

	_, err = mod.AddMember(ctx, ws.ID, "u2", RoleOwner)
	require.NoError(t, err)
	require.NoError(t, mod.RemoveMember(ctx, ws.ID, "u1"))
}

func TestModule_Can(t *testing.T) {
	ctx := context.Background()
	mod := setupModule(t)
	ws, err := mod.Create(ctx, CreateInput{Name: "Tour", OwnerID: "owner"})
	require.NoError(t, err)
	_, err = mod.AddMember(ctx, ws.ID, "admin", RoleAdmin)
	require.NoError(t, err)
	_, err = mod.AddMember(ctx, ws.ID, "crew", RoleMember)
	require.NoError(t, err)

	tests := []struct {
		user       string
		permission string
		want       bool
	}{
		{"owner", PermDelete, true},
		{"admin", PermManageMembers, true},
		{"admin", PermDelete, false},
		{"crew", PermRead, true},
		{"crew", PermWrite, true},
		{"crew", PermManageMembers, false},
		{"stranger", PermRead, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mod.Can(ctx, tt.user, tt.permission, ws.ID), "%s %s", tt.user, tt.permission)
	}
	assert.False(t, mod.Can(ctx, "owner", PermRead, ""))
	assert.Equal(t, []string{RoleAdmin, RoleMember, RoleOwner}, mod.Roles())
}

func TestModule_CustomRolePermissions(t *testing.T) {
	ctx := context.Background()
	mod := New(
		WithDBPath(filepath.Join(t.TempDir(), "workspaces.db")),
		WithLogger(quietLogger()),
		WithRolePermissions(map[string][]string{
			RoleOwner: {PermRead, PermWrite, PermManageMembers, PermDelete},
			"viewer":  {PermRead},
		}),
	)
	require.NoError(t, mod.Open())
	defer func() { _ = mod.Shutdown(ctx) }()

	ws, err := mod.Create(ctx, CreateInput{Name: "Tour", OwnerID: "u1"})
	require.NoError(t, err)
	_, err = mod.AddMember(ctx, ws.ID, "u2", "viewer")
	require.NoError(t, err)
	_, err = mod.AddMember(ctx, ws.ID, "u3", RoleMember)
	assert.ErrorIs(t, err, ErrInvalidRole)

	assert.True(t, mod.Can(ctx, "u2", PermRead, ws.ID))
	assert.False(t, mod.Can(ctx, "u2", PermWrite, ws.ID))
}

func TestModule_RenameAndDelete(t *testing.T) {
	ctx := context.Background()
	mod := setupModule(t)
	ws, err := mod.Create(ctx, CreateInput{Name: "Tour", OwnerID: "u1"})
	require.NoError(t, err)

	renamed, err := mod.Rename(ctx, ws.ID, "Spring Tour")
	require.NoError(t, err)
	assert.Equal(t, "Spring Tour", renamed.Name)
	_, err = mod.Rename(ctx, ws.ID, "")
	assert.ErrorIs(t, err, ErrNameRequired)

	require.NoError(t, mod.Delete(ctx, ws.ID))
	_, err = mod.Get(ctx, ws.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mod.IsMember(ctx, ws.ID, "u1"))
	assert.ErrorIs(t, mod.Delete(ctx, ws.ID), ErrNotFound)
}
