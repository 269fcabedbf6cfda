package aggregator

import (
	"slices"
	"strings"

	"github.com/sells-group/search-aggregator/internal/model"
)

// PrincipalResolver maps an authenticated caller to the identity used for
// quota and cache keying.
type PrincipalResolver interface {
	EffectivePrincipal(c model.Caller) model.Principal
	IsAdmin(c model.Caller) bool
}

// TenancyResolver maps callers holding an admin role to a shared system
// principal. Everyone else is their own principal.
type TenancyResolver struct {
	AdminRoles []string
	System     model.Principal
}

// DefaultAdminRoles are the roles treated as administrative.
var DefaultAdminRoles = []string{"admin", "super_admin"}

// IsAdmin reports whether c holds one of the admin roles.
func (r TenancyResolver) IsAdmin(c model.Caller) bool {
	roles := r.AdminRoles
	if roles == nil {
		roles = DefaultAdminRoles
	}
	return slices.Contains(roles, strings.ToLower(strings.TrimSpace(c.Role)))
}

func (r TenancyResolver) EffectivePrincipal(c model.Caller) model.Principal {
	if r.System.ID != 0 && r.IsAdmin(c) {
		return r.System
	}
	return model.Principal{ID: c.UserID, TenantID: c.TenantID}
}
