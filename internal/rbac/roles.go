package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	default:
		return false
	}
}

// CanCall reports whether a user with callerRole may invite a user with calleeRole.
// Calls are patient <-> doctor only; admin may call and be called by anyone.
func CanCall(callerRole, calleeRole string) bool {
	if IsAdmin(callerRole) || IsAdmin(calleeRole) {
		return IsKnownRole(callerRole) && IsKnownRole(calleeRole)
	}
	switch callerRole {
	case RolePatient:
		return calleeRole == RoleDoctor
	case RoleDoctor:
		return calleeRole == RolePatient
	default:
		return false
	}
}
