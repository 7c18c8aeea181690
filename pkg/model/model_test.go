package model

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid with numbers", "user123", nil},
		{"valid with underscore", "my_user", nil},
		{"valid with hyphen", "my-user", nil},
		{"valid max length", strings.Repeat("a", MaxUsernameLength), nil},
		{"empty", "", ErrUsernameEmpty},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), ErrUsernameTooLong},
		{"contains space", "has space", ErrUsernameInvalidChars},
		{"contains dot", "user.name", ErrUsernameInvalidChars},
		{"unicode letter", "ñoño", ErrUsernameInvalidChars},
		{"newline", "user\nname", ErrUsernameInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"uuid", uuid.NewString(), true},
		{"short", "demo", true},
		{"max length", strings.Repeat("s", MaxSessionIDLength), true},
		{"empty", "", false},
		{"too long", strings.Repeat("s", MaxSessionIDLength+1), false},
		{"slash", "a/b", false},
		{"space", "my session", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.input)
			if (err == nil) != tt.ok {
				t.Errorf("ValidateSessionID(%q) = %v, want ok=%t", tt.input, err, tt.ok)
			}
		})
	}
}

func TestRoleValid(t *testing.T) {
	tests := []struct {
		name string
		role Role
		want bool
	}{
		{"RoleViewer", RoleViewer, true},
		{"RoleUser", RoleUser, true},
		{"RoleAdmin", RoleAdmin, true},
		{"negative", Role(-1), false},
		{"three", Role(3), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.role.Valid(); got != tt.want {
				t.Errorf("Role(%d).Valid() = %v, want %v", tt.role, got, tt.want)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		input string
		want  Role
	}{
		{"admin", RoleAdmin},
		{"viewer", RoleViewer},
		{"user", RoleUser},
		{"", RoleUser},
		{"unknown", RoleUser},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseRole(tt.input); got != tt.want {
				t.Errorf("ParseRole(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestRoleText(t *testing.T) {
	var r Role
	if err := r.UnmarshalText([]byte("admin")); err != nil || r != RoleAdmin {
		t.Fatalf("UnmarshalText(admin) = %v, role %v", err, r)
	}
	if err := r.UnmarshalText([]byte("root")); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("UnmarshalText(root): want ErrInvalidRole, got %v", err)
	}
	text, err := RoleViewer.MarshalText()
	if err != nil || string(text) != "viewer" {
		t.Fatalf("MarshalText = %q, %v", text, err)
	}
}
