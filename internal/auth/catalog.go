package auth

// RoleName is a well-known system role. The store remains the source of truth for
// what each role grants; these names only give call sites a typed handle.
type RoleName string

const (
	RoleAdmin   RoleName = "Admin"
	RoleCoach   RoleName = "Coach"
	RoleStudent RoleName = "Student"
)

func (r RoleName) String() string { return string(r) }

// SystemRoles lists the seeded roles from most to least privileged.
func SystemRoles() []RoleName {
	return []RoleName{RoleAdmin, RoleCoach, RoleStudent}
}

// Names converts role names to plain strings for RequireRole style call sites.
func Names(roles ...RoleName) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}

var (
	PermUsersRead    = PermissionRef{Resource: "users", Action: "read"}
	PermUsersWrite   = PermissionRef{Resource: "users", Action: "write"}
	PermUsersDelete  = PermissionRef{Resource: "users", Action: "delete"}
	PermProfileRead  = PermissionRef{Resource: "profile", Action: "read"}
	PermProfileWrite = PermissionRef{Resource: "profile", Action: "write"}
	PermAll          = PermissionRef{Resource: Wildcard, Action: Wildcard}
)

// Tier returns the most privileged system role held by the snapshot, or "" when it
// holds none of them.
func Tier(snap *Snapshot) RoleName {
	for _, r := range SystemRoles() {
		if snap.HasRole(string(r)) {
			return r
		}
	}
	return ""
}

// CanAccessStudentFeatures reports whether the snapshot holds any system role.
func CanAccessStudentFeatures(snap *Snapshot) bool {
	return Tier(snap) != ""
}

// CanAccessCoachFeatures reports whether the snapshot holds Coach or Admin.
func CanAccessCoachFeatures(snap *Snapshot) bool {
	t := Tier(snap)
	return t == RoleCoach || t == RoleAdmin
}

// CanAccessAdminFeatures reports whether the snapshot holds Admin.
func CanAccessAdminFeatures(snap *Snapshot) bool {
	return Tier(snap) == RoleAdmin
}
