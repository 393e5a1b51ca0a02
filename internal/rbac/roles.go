package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAgent      = "agent"
	RoleSupervisor = "supervisor"
	RoleOwner      = "owner"
	RoleSuperAdmin = "super_admin"
	RoleSystem     = "system" // hidden role for internal automation
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleSystem }

// IsSupervisory reports whether role may act on other agents and on campaigns.
func IsSupervisory(role string) bool {
	switch role {
	case RoleSupervisor, RoleOwner, RoleSuperAdmin:
		return true
	}
	return false
}

// CanActForAgent reports whether a caller may drive targetAgentID's session.
// Agents act only for themselves.
func CanActForAgent(role, callerAgentID, targetAgentID string) bool {
	if IsSupervisory(role) {
		return true
	}
	return role == RoleAgent && callerAgentID != "" && callerAgentID == targetAgentID
}
