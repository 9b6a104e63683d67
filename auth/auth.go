// Package auth provides accounts and bearer tokens for the gateway.
//
// An account is an email and an Argon2id password hash. SignIn exchanges
// credentials for an opaque token; the gateway resolves the token back to
// the account id on every request. Workspace membership is not decided
// here; that is the workspace directory's job.
//
// Basic usage:
//
//	app := hubs.New(
//	    hubs.WithModules(
//	        workspace.New(),
//	        sqlite.New(),
//	        auth.New(),
//	        gateway.New(), // picks up auth as its authenticator
//	    ),
//	)
//
//	token, err := authMod.SignIn(ctx, "crew@example.com", "password")
//
// # Configuration
//
//	auth:
//	  db_path: ./data/auth.db
//	  token_ttl: 24h
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/talosaether/hubs"
)

var (
	ErrNotFound      = errors.New("account not found")
	ErrEmailExists   = errors.New("email already exists")
	ErrInvalidEmail  = errors.New("invalid email")
	ErrWeakPassword  = errors.New("password too weak (minimum 8 characters)")
	ErrWrongPassword = errors.New("wrong email or password")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

// MinPasswordLength is the shortest password Register accepts.
const MinPasswordLength = 8

// Account is a person who can sign in.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Token is an issued bearer token.
type Token struct {
	ID        string    `json:"-"`
	UserID    string    `json:"user_id"`
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"-"`
}

// Module is the auth module implementation.
type Module struct {
	store    Store
	dbPath   string
	tokenTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures the auth module.
type Option func(*Module)

// WithStore sets a custom store.
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

// WithTokenTTL sets how long issued tokens stay valid.
func WithTokenTTL(ttl time.Duration) Option {
	return func(mod *Module) {
		mod.tokenTTL = ttl
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(mod *Module) {
		mod.now = now
	}
}

// WithLogger sets the logger used outside of an App.
func WithLogger(logger *slog.Logger) Option {
	return func(mod *Module) {
		mod.logger = logger
	}
}

// New creates a new auth module with the given options.
func New(opts ...Option) *Module {
	mod := &Module{
		dbPath:   "./data/auth.db",
		tokenTTL: 24 * time.Hour,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(mod)
	}
	return mod
}

// Name returns the module identifier.
func (mod *Module) Name() string {
	return "auth"
}

// Init reads auth.db_path and auth.token_ttl and opens the store.
func (mod *Module) Init(ctx context.Context, app *hubs.App) error {
	mod.logger = app.Logger()
	if cfg := app.ConfigData(); cfg != nil {
		if dbPath := cfg.GetString("auth.db_path"); dbPath != "" {
			mod.dbPath = dbPath
		}
		mod.tokenTTL = cfg.GetDuration("auth.token_ttl", mod.tokenTTL)
	}
	return mod.Open()
}

// Open creates the SQLite store unless one was supplied.
func (mod *Module) Open() error {
	if mod.store != nil {
		mod.logger.Info("auth using custom store")
		return nil
	}
	store, err := NewSQLiteStore(mod.dbPath)
	if err != nil {
		return fmt.Errorf("failed to create auth store: %w", err)
	}
	mod.store = store
	mod.logger.Info("auth using SQLite store", "path", mod.dbPath)
	return nil
}

// Shutdown closes the store.
func (mod *Module) Shutdown(ctx context.Context) error {
	if mod.store != nil {
		return mod.store.Close()
	}
	return nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidEmail
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidEmail, email)
	}
	return email, nil
}

// Register creates an account. Emails are compared case-insensitively.
func (mod *Module) Register(ctx context.Context, email, password string) (*Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	existing, err := mod.store.GetAccountByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing account: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailExists
	}

	hash, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	now := mod.now()
	account := &Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := mod.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	mod.logger.Info("account registered", "user_id", account.ID)
	return account, nil
}

// Account returns the account with id.
func (mod *Module) Account(ctx context.Context, id string) (*Account, error) {
	return mod.store.GetAccountByID(ctx, id)
}

// ChangePassword replaces the password and revokes every token of the
// account.
func (mod *Module) ChangePassword(ctx context.Context, id, password string) error {
	if len(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	account, err := mod.store.GetAccountByID(ctx, id)
	if err != nil {
		return err
	}
	hash, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	account.PasswordHash = hash
	account.UpdatedAt = mod.now()
	if err := mod.store.UpdateAccount(ctx, account); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return mod.SignOutEverywhere(ctx, id)
}

// Authenticate checks credentials without issuing a token.
func (mod *Module) Authenticate(ctx context.Context, email, password string) (*Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrWrongPassword
	}
	account, err := mod.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrWrongPassword // Don't reveal if email exists
		}
		return nil, err
	}
	if !verifyPassword(password, account.PasswordHash) {
		return nil, ErrWrongPassword
	}
	return account, nil
}

// SignIn checks credentials and issues a token.
func (mod *Module) SignIn(ctx context.Context, email, password string) (*Token, error) {
	account, err := mod.Authenticate(ctx, email, password)
	if err != nil {
		mod.logger.Warn("sign in refused", "error", err)
		return nil, err
	}
	value, err := generateToken(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	now := mod.now()
	token := &Token{
		ID:        uuid.New().String(),
		UserID:    account.ID,
		Value:     value,
		ExpiresAt: now.Add(mod.tokenTTL),
		CreatedAt: now,
	}
	if err := mod.store.CreateToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}
	return token, nil
}

// SignOut revokes one token. Revoking an unknown token is not an error.
func (mod *Module) SignOut(ctx context.Context, value string) error {
	if err := mod.store.DeleteToken(ctx, value); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// SignOutEverywhere revokes every token of userID.
func (mod *Module) SignOutEverywhere(ctx context.Context, userID string) error {
	if err := mod.store.DeleteTokensByUser(ctx, userID); err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return nil
}

// Resolve returns the account id a token was issued to. Expired tokens
// are removed on sight.
func (mod *Module) Resolve(ctx context.Context, value string) (string, error) {
	if value == "" {
		return "", ErrInvalidToken
	}
	token, err := mod.store.GetToken(ctx, value)
	if err != nil {
		return "", ErrInvalidToken
	}
	if !mod.now().Before(token.ExpiresAt) {
		_ = mod.store.DeleteToken(ctx, value) // Best-effort cleanup
		return "", ErrInvalidToken
	}
	return token.UserID, nil
}

func generateToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// Password hashing using Argon2id
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

func hashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	// salt$hash, both base64
	return base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(hash), nil
}

func verifyPassword(password, encoded string) bool {
	saltB64, hashB64, ok := strings.Cut(encoded, "$")
	if !ok || saltB64 == "" || hashB64 == "" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}
