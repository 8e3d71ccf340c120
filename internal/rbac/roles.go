package rbac

// Role names. Keep these stable; they are carried in issued tokens.
const (
	RoleViewer     = "viewer"
	RoleOperator   = "operator"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsKnownRole reports whether role may be put into a token.
func IsKnownRole(role string) bool {
	switch role {
	case RoleViewer, RoleOperator, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
