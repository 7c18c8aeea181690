// Package rbac provides role-based access control checks.
package rbac

import "github.com/NicolasHaas/screenrelay/pkg/model"

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[model.Permission]bool{
	model.RoleAdmin: {
		model.PermHostSession:     true,
		model.PermJoinSession:     true,
		model.PermListSessions:    true,
		model.PermCloseAnySession: true,
	},
	model.RoleUser: {
		model.PermHostSession: true,
		model.PermJoinSession: true,
	},
	model.RoleViewer: {
		model.PermJoinSession: true,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm model.Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role model.Role, perm model.Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "permission denied: " + perm.String() + " not allowed for role " + role.String()
}
