// Package datastore is the credential store behind the authenticator: a
// username to password-hash mapping with account metadata. The default
// backend is SQLite; an in-memory backend serves tests and ephemeral relays.
package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/model"
)

var (
	ErrUserNotFound = errors.New("datastore: user not found")
	ErrUserExists   = errors.New("datastore: user already exists")
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for relay accounts.
type DataStore interface {
	ConfigReadProvider

	UserReadProvider
	UserWriteProvider
}

// Compile-time checks.
var (
	_ DataProviderFactory = (*ProviderFactory)(nil)
	_ DataProviderFactory = (*MemoryStore)(nil)
)

type ConfigReadProvider interface {
	ZeroTime() time.Time
}

type UserReadProvider interface {
	// GetUserByUsername returns ErrUserNotFound if no such user exists.
	GetUserByUsername(username string) (*model.User, error)
	GetUserByID(id int64) (*model.User, error)
	ListUsers() ([]model.User, error)
	HasUsers() (bool, error)
}

type UserWriteProvider interface {
	// CreateUser stores a user with an already-hashed password.
	CreateUser(username, passwordHash string, role model.Role) (*model.User, error)
	UpdatePassword(username, passwordHash string) error
	UpdateUserRole(username string, role model.Role) error
	SetActive(username string, active bool) error
	DeleteUser(username string) error
	RecordLogin(userID int64, at time.Time) error
}
