// Package auth verifies relay credentials against the credential store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/crypto"
	"github.com/NicolasHaas/screenrelay/pkg/datastore"
	"github.com/NicolasHaas/screenrelay/pkg/model"
)

// ErrInvalidCredentials is returned for unknown users, wrong passwords and
// disabled accounts alike so callers cannot tell them apart.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Identity is the authenticated principal bound to a connection.
type Identity struct {
	UserID   int64
	Username string
	Role     model.Role
}

// Authenticator checks username/password pairs.
type Authenticator struct {
	store datastore.DataProviderFactory
	now   func() time.Time

	// dummyHash is verified for unknown users so a miss costs roughly as
	// much as a wrong password.
	dummyHash string
}

// New creates an Authenticator backed by st.
func New(st datastore.DataProviderFactory) (*Authenticator, error) {
	dummy, err := crypto.HashPassword("screenrelay-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("auth: dummy hash: %w", err)
	}
	return &Authenticator{
		store:     st,
		now:       func() time.Time { return time.Now().UTC() },
		dummyHash: dummy,
	}, nil
}

// Authenticate verifies the credentials and returns the matching identity.
// Store failures are returned wrapped; every credential failure is
// ErrInvalidCredentials.
func (a *Authenticator) Authenticate(username, password string) (Identity, error) {
	if model.ValidateUsername(username) != nil || password == "" {
		_ = crypto.VerifyPassword(a.dummyHash, password)
		return Identity{}, ErrInvalidCredentials
	}

	ds := a.store.NonTx()
	user, err := ds.GetUserByUsername(username)
	if errors.Is(err, datastore.ErrUserNotFound) {
		_ = crypto.VerifyPassword(a.dummyHash, password)
		return Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		return Identity{}, fmt.Errorf("auth: lookup %q: %w", username, err)
	}

	if err := crypto.VerifyPassword(user.PasswordHash, password); err != nil {
		if !errors.Is(err, crypto.ErrPasswordMismatch) {
			slog.Warn("stored password hash unusable", "user", username, "err", err)
		}
		return Identity{}, ErrInvalidCredentials
	}
	if !user.Active {
		return Identity{}, ErrInvalidCredentials
	}

	if err := ds.RecordLogin(user.ID, a.now()); err != nil {
		slog.Warn("record login failed", "user", username, "err", err)
	}

	return Identity{UserID: user.ID, Username: user.Username, Role: user.Role}, nil
}

// EnsureBootstrapAdmin creates an admin account when the store has no users
// at all. It reports whether an account was created.
func EnsureBootstrapAdmin(ctx context.Context, st datastore.DataProviderFactory, username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, nil
	}

	tx, err := st.Tx(ctx)
	if err != nil {
		return false, fmt.Errorf("auth: bootstrap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	has, err := tx.HasUsers()
	if err != nil {
		return false, fmt.Errorf("auth: bootstrap: %w", err)
	}
	if has {
		return false, nil
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return false, fmt.Errorf("auth: bootstrap: %w", err)
	}
	if _, err := tx.CreateUser(username, hash, model.RoleAdmin); err != nil {
		return false, fmt.Errorf("auth: bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("auth: bootstrap commit: %w", err)
	}

	slog.Warn("created bootstrap admin account, change its password", "user", username)
	return true, nil
}
