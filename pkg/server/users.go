package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/screenrelay/pkg/crypto"
	"github.com/NicolasHaas/screenrelay/pkg/datastore"
	"github.com/NicolasHaas/screenrelay/pkg/model"
)

// UsersConfig is the YAML document used by --export-users and --import-users.
type UsersConfig struct {
	Users []UserYAML `yaml:"users"`
}

// UserYAML is one account. Exports never carry password material; imports
// need exactly one of Password or PasswordHash.
type UserYAML struct {
	Username     string     `yaml:"username"`
	Role         model.Role `yaml:"role"`
	Active       *bool      `yaml:"active,omitempty"`
	Password     string     `yaml:"password,omitempty"`
	PasswordHash string     `yaml:"password_hash,omitempty"`
}

// ExportUsersYAML serialises every account, without hashes.
func ExportUsersYAML(st datastore.DataProviderFactory) ([]byte, error) {
	users, err := st.NonTx().ListUsers()
	if err != nil {
		return nil, fmt.Errorf("export users: %w", err)
	}
	cfg := UsersConfig{Users: make([]UserYAML, 0, len(users))}
	for _, u := range users {
		active := u.Active
		cfg.Users = append(cfg.Users, UserYAML{Username: u.Username, Role: u.Role, Active: &active})
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("export users: %w", err)
	}
	return data, nil
}

// LoadUsersFromYAML reads a users file and imports it.
func LoadUsersFromYAML(ctx context.Context, path string, st datastore.DataProviderFactory) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return 0, fmt.Errorf("read users file: %w", err)
	}
	return ImportUsersYAML(ctx, data, st)
}

// ImportUsersYAML creates or updates the listed accounts. Every entry is
// validated and hashed before the store is touched, and the writes share one
// transaction. It returns the number of entries applied.
func ImportUsersYAML(ctx context.Context, data []byte, st datastore.DataProviderFactory) (n int, err error) {
	var cfg UsersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("parse users file: %w", err)
	}

	for i := range cfg.Users {
		if err := prepareUser(&cfg.Users[i]); err != nil {
			return 0, fmt.Errorf("import users: entry %d (%q): %w", i, cfg.Users[i].Username, err)
		}
	}

	tx, err := st.Tx(ctx)
	if err != nil {
		return 0, fmt.Errorf("import users: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, u := range cfg.Users {
		if err := applyUser(tx, u); err != nil {
			return 0, fmt.Errorf("import users: entry %d (%q): %w", i, u.Username, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("import users: commit: %w", err)
	}

	slog.Info("imported users from YAML", "count", len(cfg.Users))
	return len(cfg.Users), nil
}

// prepareUser validates u and replaces a plaintext password with its hash.
func prepareUser(u *UserYAML) error {
	if err := model.ValidateUsername(u.Username); err != nil {
		return err
	}
	if (u.Password == "") == (u.PasswordHash == "") {
		return errors.New("exactly one of password or password_hash is required")
	}
	if u.Password != "" {
		hash, err := crypto.HashPassword(u.Password)
		if err != nil {
			return err
		}
		u.PasswordHash, u.Password = hash, ""
	}
	return nil
}

func applyUser(ds datastore.DataStore, u UserYAML) error {
	_, err := ds.GetUserByUsername(u.Username)
	switch {
	case errors.Is(err, datastore.ErrUserNotFound):
		if _, err := ds.CreateUser(u.Username, u.PasswordHash, u.Role); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := ds.UpdatePassword(u.Username, u.PasswordHash); err != nil {
			return err
		}
		if err := ds.UpdateUserRole(u.Username, u.Role); err != nil {
			return err
		}
	}

	active := true
	if u.Active != nil {
		active = *u.Active
	}
	return ds.SetActive(u.Username, active)
}

// CreateUser hashes password and stores a new account.
func CreateUser(st datastore.DataProviderFactory, username, password string, role model.Role) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, model.ErrPasswordEmpty
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	return st.NonTx().CreateUser(username, hash, role)
}

// SetPassword replaces the password of an existing account.
func SetPassword(st datastore.DataProviderFactory, username, password string) error {
	if password == "" {
		return model.ErrPasswordEmpty
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	return st.NonTx().UpdatePassword(username, hash)
}
