package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store persists accounts and tokens.
type Store interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccountByID(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	UpdateAccount(ctx context.Context, account *Account) error

	CreateToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, value string) (*Token, error)
	DeleteToken(ctx context.Context, value string) error
	DeleteTokensByUser(ctx context.Context, userID string) error

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
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
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			token TEXT UNIQUE NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tokens_user_id ON tokens(user_id);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateAccount inserts an account.
func (store *SQLiteStore) CreateAccount(ctx context.Context, account *Account) error {
	query := `INSERT INTO accounts (id, email, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := store.db.ExecContext(ctx, query, account.ID, account.Email, account.PasswordHash, account.CreatedAt, account.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return ErrEmailExists
	}
	return err
}

// GetAccountByID retrieves an account by id.
func (store *SQLiteStore) GetAccountByID(ctx context.Context, id string) (*Account, error) {
	query := `SELECT id, email, password_hash, created_at, updated_at FROM accounts WHERE id = ?`
	return scanAccount(store.db.QueryRowContext(ctx, query, id))
}

// GetAccountByEmail retrieves an account by email.
func (store *SQLiteStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	query := `SELECT id, email, password_hash, created_at, updated_at FROM accounts WHERE email = ?`
	return scanAccount(store.db.QueryRowContext(ctx, query, email))
}

// UpdateAccount stores the email and password hash of account.
func (store *SQLiteStore) UpdateAccount(ctx context.Context, account *Account) error {
	query := `UPDATE accounts SET email = ?, password_hash = ?, updated_at = ? WHERE id = ?`
	result, err := store.db.ExecContext(ctx, query, account.Email, account.PasswordHash, account.UpdatedAt, account.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateToken inserts a token.
func (store *SQLiteStore) CreateToken(ctx context.Context, token *Token) error {
	query := `INSERT INTO tokens (id, user_id, token, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := store.db.ExecContext(ctx, query, token.ID, token.UserID, token.Value, token.ExpiresAt, token.CreatedAt)
	return err
}

// GetToken retrieves a token by its value.
func (store *SQLiteStore) GetToken(ctx context.Context, value string) (*Token, error) {
	query := `SELECT id, user_id, token, expires_at, created_at FROM tokens WHERE token = ?`
	var token Token
	err := store.db.QueryRowContext(ctx, query, value).Scan(&token.ID, &token.UserID, &token.Value, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return &token, nil
}

// DeleteToken removes a token by its value.
func (store *SQLiteStore) DeleteToken(ctx context.Context, value string) error {
	_, err := store.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = ?`, value)
	return err
}

// DeleteTokensByUser removes every token of userID.
func (store *SQLiteStore) DeleteTokensByUser(ctx context.Context, userID string) error {
	_, err := store.db.ExecContext(ctx, `DELETE FROM tokens WHERE user_id = ?`, userID)
	return err
}

// Close closes the database connection.
func (store *SQLiteStore) Close() error {
	return store.db.Close()
}

func scanAccount(row *sql.Row) (*Account, error) {
	var account Account
	err := row.Scan(&account.ID, &account.Email, &account.PasswordHash, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}
