package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store persists workspaces and memberships.
type Store interface {
	Create(ctx context.Context, ws *Workspace) error
	GetByID(ctx context.Context, id string) (*Workspace, error)
	Update(ctx context.Context, ws *Workspace) error
	Delete(ctx context.Context, id string) error
	ListForUser(ctx context.Context, userID string) ([]*Workspace, error)

	CreateMembership(ctx context.Context, membership *Membership) error
	GetMembership(ctx context.Context, workspaceID, userID string) (*Membership, error)
	ListMembers(ctx context.Context, workspaceID string) ([]*Membership, error)
	UpdateMembership(ctx context.Context, membership *Membership) error
	DeleteMembership(ctx context.Context, workspaceID, userID string) error
	DeleteMembershipsByWorkspace(ctx context.Context, workspaceID string) error

	Close() error
}

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS memberships (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(workspace_id, user_id)
		);
		CREATE INDEX IF NOT EXISTS idx_memberships_workspace_id ON memberships(workspace_id);
		CREATE INDEX IF NOT EXISTS idx_memberships_user_id ON memberships(user_id);
	`
	_, err := db.Exec(schema)
	return err
}

const workspaceColumns = `w.id, w.name, w.created_at, w.updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row scanner) (*Workspace, error) {
	var ws Workspace
	if err := row.Scan(&ws.ID, &ws.Name, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		return nil, err
	}
	return &ws, nil
}

func scanMembership(row scanner) (*Membership, error) {
	var membership Membership
	err := row.Scan(&membership.ID, &membership.WorkspaceID, &membership.UserID,
		&membership.Role, &membership.CreatedAt, &membership.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

func affected(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func (store *SQLiteStore) Create(ctx context.Context, ws *Workspace) error {
	query := `INSERT INTO workspaces (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`
	_, err := store.db.ExecContext(ctx, query, ws.ID, ws.Name, ws.CreatedAt, ws.UpdatedAt)
	return err
}

func (store *SQLiteStore) GetByID(ctx context.Context, id string) (*Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces w WHERE w.id = ?`
	ws, err := scanWorkspace(store.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ws, err
}

func (store *SQLiteStore) Update(ctx context.Context, ws *Workspace) error {
	query := `UPDATE workspaces SET name = ?, updated_at = ? WHERE id = ?`
	result, err := store.db.ExecContext(ctx, query, ws.Name, ws.UpdatedAt, ws.ID)
	if err != nil {
		return err
	}
	return affected(result, ErrNotFound)
}

func (store *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := store.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(result, ErrNotFound)
}

func (store *SQLiteStore) ListForUser(ctx context.Context, userID string) ([]*Workspace, error) {
	query := `SELECT ` + workspaceColumns + `
		FROM workspaces w
		JOIN memberships m ON m.workspace_id = w.id
		WHERE m.user_id = ?
		ORDER BY w.name, w.id`
	rows, err := store.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var workspaces []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

func (store *SQLiteStore) CreateMembership(ctx context.Context, membership *Membership) error {
	query := `INSERT INTO memberships (id, workspace_id, user_id, role, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := store.db.ExecContext(ctx, query, membership.ID, membership.WorkspaceID, membership.UserID,
		membership.Role, membership.CreatedAt, membership.UpdatedAt)
	return err
}

func (store *SQLiteStore) GetMembership(ctx context.Context, workspaceID, userID string) (*Membership, error) {
	query := `SELECT id, workspace_id, user_id, role, created_at, updated_at FROM memberships WHERE workspace_id = ? AND user_id = ?`
	membership, err := scanMembership(store.db.QueryRowContext(ctx, query, workspaceID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	return membership, err
}

func (store *SQLiteStore) ListMembers(ctx context.Context, workspaceID string) ([]*Membership, error) {
	query := `SELECT id, workspace_id, user_id, role, created_at, updated_at FROM memberships WHERE workspace_id = ? ORDER BY created_at, user_id`
	rows, err := store.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var memberships []*Membership
	for rows.Next() {
		membership, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, membership)
	}
	return memberships, rows.Err()
}

func (store *SQLiteStore) UpdateMembership(ctx context.Context, membership *Membership) error {
	query := `UPDATE memberships SET role = ?, updated_at = ? WHERE id = ?`
	result, err := store.db.ExecContext(ctx, query, membership.Role, membership.UpdatedAt, membership.ID)
	if err != nil {
		return err
	}
	return affected(result, ErrMemberNotFound)
}

func (store *SQLiteStore) DeleteMembership(ctx context.Context, workspaceID, userID string) error {
	query := `DELETE FROM memberships WHERE workspace_id = ? AND user_id = ?`
	result, err := store.db.ExecContext(ctx, query, workspaceID, userID)
	if err != nil {
		return err
	}
	return affected(result, ErrMemberNotFound)
}

func (store *SQLiteStore) DeleteMembershipsByWorkspace(ctx context.Context, workspaceID string) error {
	_, err := store.db.ExecContext(ctx, `DELETE FROM memberships WHERE workspace_id = ?`, workspaceID)
	return err
}

func (store *SQLiteStore) Close() error {
	return store.db.Close()
}
