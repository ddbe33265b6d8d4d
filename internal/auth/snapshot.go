package auth

import "time"

// Snapshot is the set of active roles and reachable permissions of one principal
// at one point in time. It is recomputed for every check and never cached.
type Snapshot struct {
	PrincipalID string       `json:"id"`
	Subject     string       `json:"external_id"`
	Email       string       `json:"email"`
	GivenName   string       `json:"given_name,omitempty"`
	FamilyName  string       `json:"family_name,omitempty"`
	Roles       []Role       `json:"roles"`
	Permissions []Permission `json:"permissions"`
	ResolvedAt  time.Time    `json:"resolved_at"`
}

// BuildSnapshot folds the resolver join rows into a snapshot, deduplicating roles and
// permissions by identifier and keeping first-seen order. It reports false when rows is
// empty, meaning the principal does not exist.
func BuildSnapshot(rows []GrantRow, at time.Time) (*Snapshot, bool) {
	if len(rows) == 0 {
		return nil, false
	}
	first := rows[0]
	snap := &Snapshot{
		PrincipalID: first.PrincipalID,
		Subject:     first.ExternalID,
		Email:       first.Email,
		GivenName:   first.GivenName,
		FamilyName:  first.FamilyName,
		Roles:       []Role{},
		Permissions: []Permission{},
		ResolvedAt:  at,
	}
	roleSeen := make(map[string]struct{})
	permSeen := make(map[string]struct{})
	for _, row := range rows {
		if row.RoleID != "" {
			if _, ok := roleSeen[row.RoleID]; !ok {
				roleSeen[row.RoleID] = struct{}{}
				snap.Roles = append(snap.Roles, Role{
					ID:          row.RoleID,
					Name:        row.RoleName,
					Description: row.RoleDesc,
					IsSystem:    row.RoleIsSystem,
				})
			}
		}
		if row.PermissionID != "" {
			if _, ok := permSeen[row.PermissionID]; !ok {
				permSeen[row.PermissionID] = struct{}{}
				snap.Permissions = append(snap.Permissions, Permission{
					ID:          row.PermissionID,
					Resource:    row.Resource,
					Action:      row.Action,
					Description: row.PermDesc,
				})
			}
		}
	}
	return snap, true
}

// RoleNames lists the names of the snapshot's roles.
func (s *Snapshot) RoleNames() []string {
	if s == nil {
		return []string{}
	}
	names := make([]string, 0, len(s.Roles))
	for _, r := range s.Roles {
		names = append(names, r.Name)
	}
	return names
}

// HasRole reports whether the snapshot holds a role with exactly this name.
func (s *Snapshot) HasRole(name string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Can is shorthand for Authorize(s, resource, action).Allowed.
func (s *Snapshot) Can(resource, action string) bool {
	return Authorize(s, resource, action).Allowed
}
