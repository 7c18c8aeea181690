package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NicolasHaas/screenrelay/pkg/crypto"
	"github.com/NicolasHaas/screenrelay/pkg/datastore"
	"github.com/NicolasHaas/screenrelay/pkg/model"

	"github.com/google/go-cmp/cmp"
)

func seedUser(t *testing.T, st datastore.DataProviderFactory, username, password string, role model.Role) *model.User {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u, err := st.NonTx().CreateUser(username, hash, role)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestAuthenticate(t *testing.T) {
	st := datastore.NewMemory()
	alice := seedUser(t, st, "alice", "s3cret", model.RoleUser)
	seedUser(t, st, "mallory", "s3cret", model.RoleViewer)
	if err := st.NonTx().SetActive("mallory", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	a, err := New(st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name     string
		username string
		password string
		want     Identity
		wantErr  error
	}{
		{"valid", "alice", "s3cret", Identity{UserID: alice.ID, Username: "alice", Role: model.RoleUser}, nil},
		{"wrong password", "alice", "nope", Identity{}, ErrInvalidCredentials},
		{"unknown user", "bob", "s3cret", Identity{}, ErrInvalidCredentials},
		{"inactive user", "mallory", "s3cret", Identity{}, ErrInvalidCredentials},
		{"empty password", "alice", "", Identity{}, ErrInvalidCredentials},
		{"invalid username", "al ice", "s3cret", Identity{}, ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Authenticate(tt.username, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authenticate err want=%v got=%v", tt.wantErr, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Authenticate mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAuthenticateRecordsLogin(t *testing.T) {
	st := datastore.NewMemory()
	u := seedUser(t, st, "alice", "s3cret", model.RoleAdmin)

	a, err := New(st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a.now = func() time.Time { return at }

	if _, err := a.Authenticate("alice", "s3cret"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	got, err := st.NonTx().GetUserByID(u.ID)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if !got.LastLogin.Equal(at) {
		t.Fatalf("LastLogin want=%v got=%v", at, got.LastLogin)
	}
}

func TestAuthenticateBcryptHash(t *testing.T) {
	st := datastore.NewMemory()
	hash, err := crypto.HashBcrypt("legacy-pass")
	if err != nil {
		t.Fatalf("HashBcrypt: %v", err)
	}
	if _, err := st.NonTx().CreateUser("legacy", hash, model.RoleUser); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	a, err := New(st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Authenticate("legacy", "legacy-pass"); err != nil {
		t.Fatalf("Authenticate bcrypt: %v", err)
	}
}

func TestEnsureBootstrapAdmin(t *testing.T) {
	ctx := context.Background()
	st := datastore.NewMemory()

	created, err := EnsureBootstrapAdmin(ctx, st, "admin", "admin123")
	if err != nil || !created {
		t.Fatalf("EnsureBootstrapAdmin on empty store = %t, %v", created, err)
	}
	u, err := st.NonTx().GetUserByUsername("admin")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u.Role != model.RoleAdmin {
		t.Fatalf("bootstrap role want=admin got=%s", u.Role)
	}

	created, err = EnsureBootstrapAdmin(ctx, st, "admin2", "other")
	if err != nil || created {
		t.Fatalf("EnsureBootstrapAdmin on seeded store = %t, %v", created, err)
	}

	a, err := New(st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := a.Authenticate("admin", "admin123"); err != nil {
		t.Fatalf("Authenticate bootstrap admin: %v", err)
	}
}
