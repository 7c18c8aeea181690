package model

import "fmt"

// Role represents a user's permission level.
type Role int

const (
	RoleViewer Role = iota // Can only watch sessions
	RoleUser               // Can host and watch sessions
	RoleAdmin              // Everything, plus listing and closing any session
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole converts a string to a Role. Unrecognised names map to RoleUser.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "viewer":
		return RoleViewer
	default:
		return RoleUser
	}
}

// RoleFromString is the strict form of ParseRole used for operator input.
func RoleFromString(s string) (Role, error) {
	switch s {
	case "viewer", "user", "admin":
		return ParseRole(s), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Valid returns true if the role is a recognised value (Viewer, User, or Admin).
func (r Role) Valid() bool {
	return r >= RoleViewer && r <= RoleAdmin
}

// MarshalText encodes the role by name so YAML and JSON exports stay readable.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, ErrInvalidRole
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := RoleFromString(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}
