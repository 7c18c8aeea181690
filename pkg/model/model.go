// Package model defines the core domain types shared by the relay packages.
package model

// Permission represents a specific action that can be checked against a role.
type Permission int

const (
	PermHostSession Permission = iota
	PermJoinSession
	PermListSessions
	PermCloseAnySession
)

func (p Permission) String() string {
	switch p {
	case PermHostSession:
		return "host_session"
	case PermJoinSession:
		return "join_session"
	case PermListSessions:
		return "list_sessions"
	case PermCloseAnySession:
		return "close_any_session"
	default:
		return "unknown"
	}
}
