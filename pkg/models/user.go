package models

// Role represents a principal's role
type Role string

const (
	RoleAdmin    Role = "admin"    // everything
	RoleOperator Role = "operator" // can watch and cancel any run
	RolePlanner  Role = "planner"  // submits and watches own runs
	RoleViewer   Role = "viewer"   // read-only
)

// Permission represents a specific capability
type Permission string

const (
	PermOptimizationSubmit Permission = "optimization:submit"
	PermOptimizationView   Permission = "optimization:view"
	PermOptimizationCancel Permission = "optimization:cancel"
	PermOptimizationAdmin  Permission = "optimization:admin" // act on other principals' runs
	PermMetricsRead        Permission = "metrics:read"
)

// RolePermissions is the permission set each role grants
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermOptimizationSubmit, PermOptimizationView, PermOptimizationCancel,
		PermOptimizationAdmin, PermMetricsRead,
	},
	RoleOperator: {
		PermOptimizationView, PermOptimizationCancel, PermOptimizationAdmin, PermMetricsRead,
	},
	RolePlanner: {
		PermOptimizationSubmit, PermOptimizationView, PermOptimizationCancel,
	},
	RoleViewer: {
		PermOptimizationView,
	},
}

// Principal is an authenticated caller
type Principal struct {
	Subject     string       `json:"sub"`
	Roles       []Role       `json:"roles,omitempty"`
	Permissions []Permission `json:"permissions,omitempty"`
	Method      string       `json:"method,omitempty"` // jwt or apikey
}

// HasPermission checks explicit permissions first, then role grants
func (p *Principal) HasPermission(perm Permission) bool {
	if p == nil {
		return false
	}
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	for _, r := range p.Roles {
		for _, have := range RolePermissions[r] {
			if have == perm {
				return true
			}
		}
	}
	return false
}

// CanAccess reports whether p may read or cancel a run owned by owner
func (p *Principal) CanAccess(owner string) bool {
	if p == nil {
		return false
	}
	return p.Subject == owner || p.HasPermission(PermOptimizationAdmin)
}
