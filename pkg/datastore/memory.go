package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/model"
)

// MemoryStore provides an in-memory credential store for tests and relays
// started with an empty db_path. It mirrors SQLite validation and errors.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID      int64
	usersByID       map[int64]*model.User
	usersByUsername map[string]*model.User
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:             now,
		nextUserID:      1,
		usersByID:       make(map[int64]*model.User),
		usersByUsername: make(map[string]*model.User),
	}
}

// NonTx returns the store itself; every call is applied immediately.
func (s *MemoryStore) NonTx() DataStore {
	return s
}

// Tx returns a transaction whose Commit and Rollback are no-ops. Writes are
// visible as soon as they are made.
func (s *MemoryStore) Tx(context.Context) (DataStoreTx, error) {
	return memoryTx{s}, nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	*MemoryStore
}

func (memoryTx) Rollback() error { return nil }
func (memoryTx) Commit() error   { return nil }

// ZeroTime returns the zero time value.
func (s *MemoryStore) ZeroTime() time.Time {
	return time.Time{}
}

// CreateUser creates a new user and returns it with the assigned ID.
func (s *MemoryStore) CreateUser(username, passwordHash string, role model.Role) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("datastore: create user: %w", model.ErrInvalidRole)
	}
	if passwordHash == "" {
		return nil, fmt.Errorf("datastore: create user: %w", model.ErrPasswordEmpty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return nil, fmt.Errorf("datastore: create user %q: %w", username, ErrUserExists)
	}
	user := &model.User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		Active:       true,
		CreatedAt:    s.now().UTC().Truncate(time.Second),
	}
	s.nextUserID++
	s.usersByID[user.ID] = user
	s.usersByUsername[username] = user
	copyUser := *user
	return &copyUser, nil
}

// GetUserByUsername retrieves a user by username.
func (s *MemoryStore) GetUserByUsername(username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	copyUser := *user
	return &copyUser, nil
}

// GetUserByID retrieves a user by ID.
func (s *MemoryStore) GetUserByID(id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copyUser := *user
	return &copyUser, nil
}

// ListUsers returns all users ordered by ID.
func (s *MemoryStore) ListUsers() ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// HasUsers reports whether at least one user exists.
func (s *MemoryStore) HasUsers() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.usersByID) > 0, nil
}

func (s *MemoryStore) update(op, username string, fn func(*model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return fmt.Errorf("datastore: %s: %w", op, ErrUserNotFound)
	}
	fn(user)
	return nil
}

// UpdatePassword replaces a user's password hash.
func (s *MemoryStore) UpdatePassword(username, passwordHash string) error {
	if passwordHash == "" {
		return fmt.Errorf("datastore: update password: %w", model.ErrPasswordEmpty)
	}
	return s.update("update password", username, func(u *model.User) { u.PasswordHash = passwordHash })
}

// UpdateUserRole changes a user's role.
func (s *MemoryStore) UpdateUserRole(username string, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("datastore: update user role: %w", model.ErrInvalidRole)
	}
	return s.update("update user role", username, func(u *model.User) { u.Role = role })
}

// SetActive enables or disables an account.
func (s *MemoryStore) SetActive(username string, active bool) error {
	return s.update("set active", username, func(u *model.User) { u.Active = active })
}

// DeleteUser removes a user.
func (s *MemoryStore) DeleteUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return fmt.Errorf("datastore: delete user: %w", ErrUserNotFound)
	}
	delete(s.usersByUsername, username)
	delete(s.usersByID, user.ID)
	return nil
}

// RecordLogin stamps the user's last successful login.
func (s *MemoryStore) RecordLogin(userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.usersByID[userID]; ok {
		user.LastLogin = at.UTC().Truncate(time.Second)
	}
	return nil
}
