package rbac

import (
	"testing"

	"github.com/NicolasHaas/screenrelay/pkg/model"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role model.Role
		perm model.Permission
		want bool
	}{
		{model.RoleViewer, model.PermJoinSession, true},
		{model.RoleViewer, model.PermHostSession, false},
		{model.RoleViewer, model.PermListSessions, false},
		{model.RoleUser, model.PermHostSession, true},
		{model.RoleUser, model.PermListSessions, false},
		{model.RoleAdmin, model.PermListSessions, true},
		{model.RoleAdmin, model.PermCloseAnySession, true},
		{model.Role(42), model.PermJoinSession, false},
	}

	for _, tt := range tests {
		t.Run(tt.role.String()+"/"+tt.perm.String(), func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.want {
				t.Errorf("HasPermission(%s, %s) = %t, want %t", tt.role, tt.perm, got, tt.want)
			}
		})
	}
}

func TestRequirePermission(t *testing.T) {
	if msg := RequirePermission(model.RoleAdmin, model.PermHostSession); msg != "" {
		t.Errorf("RequirePermission(admin, host) = %q, want empty", msg)
	}
	if msg := RequirePermission(model.RoleViewer, model.PermHostSession); msg == "" {
		t.Errorf("RequirePermission(viewer, host): want denial message")
	}
}
