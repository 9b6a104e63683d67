package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(d)
}

func setupTestModule(t *testing.T, opts ...Option) *Module {
	t.Helper()
	opts = append([]Option{
		WithDBPath(filepath.Join(t.TempDir(), "auth.db")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	mod := New(opts...)
	if err := mod.Open(); err != nil {
		t.Fatalf("failed to open auth module: %v", err)
	}
	t.Cleanup(func() { _ = mod.Shutdown(context.Background()) })
	return mod
}

func TestRegister(t *testing.T) {
	mod := setupTestModule(t)
	ctx := context.Background()

	account, err := mod.Register(ctx, " Crew@Example.com ", "password123")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if account.ID == "" {
		t.Error("account ID should not be empty")
	}
	if account.Email != "crew@example.com" {
		t.Errorf("email = %q, want normalized", account.Email)
	}
	if account.PasswordHash == "password123" {
		t.Error("password must be hashed")
	}

	tests := []struct {
		name     string
		email    string
		password string
		want     error
	}{
		{"duplicate email", "CREW@example.com", "password123", ErrEmailExists},
		{"empty email", "", "password123", ErrInvalidEmail},
		{"malformed email", "not-an-email", "password123", ErrInvalidEmail},
		{"short password", "new@example.com", "short", ErrWeakPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := mod.Register(ctx, tt.email, tt.password); !errors.Is(err, tt.want) {
				t.Errorf("Register(%q) error = %v, want %v", tt.email, err, tt.want)
			}
		})
	}

	got, err := mod.Account(ctx, account.ID)
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if got.Email != account.Email {
		t.Errorf("Account email = %q, want %q", got.Email, account.Email)
	}
	if _, err := mod.Account(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Account(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSignInAndResolve(t *testing.T) {
	mod := setupTestModule(t)
	ctx := context.Background()

	account, err := mod.Register(ctx, "crew@example.com", "password123")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if _, err := mod.SignIn(ctx, "crew@example.com", "wrongpassword"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("wrong password error = %v, want ErrWrongPassword", err)
	}
	if _, err := mod.SignIn(ctx, "nobody@example.com", "password123"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("unknown email error = %v, want ErrWrongPassword", err)
	}

	token, err := mod.SignIn(ctx, "Crew@example.com", "password123")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if token.Value == "" || token.UserID != account.ID {
		t.Fatalf("unexpected token: %+v", token)
	}

	userID, err := mod.Resolve(ctx, token.Value)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if userID != account.ID {
		t.Errorf("Resolve = %q, want %q", userID, account.ID)
	}

	if _, err := mod.Resolve(ctx, "forged"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("forged token error = %v, want ErrInvalidToken", err)
	}
	if _, err := mod.Resolve(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("empty token error = %v, want ErrInvalidToken", err)
	}

	if err := mod.SignOut(ctx, token.Value); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if _, err := mod.Resolve(ctx, token.Value); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("revoked token error = %v, want ErrInvalidToken", err)
	}
	if err := mod.SignOut(ctx, token.Value); err != nil {
		t.Errorf("second SignOut failed: %v", err)
	}
}

func TestResolve_Expired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	mod := setupTestModule(t, WithClock(clock.Now), WithTokenTTL(time.Hour))
	ctx := context.Background()

	if _, err := mod.Register(ctx, "crew@example.com", "password123"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	token, err := mod.SignIn(ctx, "crew@example.com", "password123")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	clock.Advance(59 * time.Minute)
	if _, err := mod.Resolve(ctx, token.Value); err != nil {
		t.Fatalf("token should still be valid: %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := mod.Resolve(ctx, token.Value); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token error = %v, want ErrInvalidToken", err)
	}
}

func TestChangePassword_RevokesTokens(t *testing.T) {
	mod := setupTestModule(t)
	ctx := context.Background()

	account, err := mod.Register(ctx, "crew@example.com", "password123")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	first, _ := mod.SignIn(ctx, "crew@example.com", "password123")
	second, _ := mod.SignIn(ctx, "crew@example.com", "password123")

	if err := mod.ChangePassword(ctx, account.ID, "short"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("short password error = %v, want ErrWeakPassword", err)
	}
	if err := mod.ChangePassword(ctx, account.ID, "new-password"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	for _, token := range []*Token{first, second} {
		if _, err := mod.Resolve(ctx, token.Value); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("token survived password change: %v", err)
		}
	}
	if _, err := mod.Authenticate(ctx, "crew@example.com", "password123"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("old password error = %v, want ErrWrongPassword", err)
	}
	if _, err := mod.Authenticate(ctx, "crew@example.com", "new-password"); err != nil {
		t.Errorf("new password rejected: %v", err)
	}
}

func TestVerifyPassword_Malformed(t *testing.T) {
	for _, encoded := range []string{"", "nodollar", "$hash", "salt$", "!!$!!"} {
		if verifyPassword("password123", encoded) {
			t.Errorf("verifyPassword accepted %q", encoded)
		}
	}
}
