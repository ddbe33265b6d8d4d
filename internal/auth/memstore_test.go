package auth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the package tests. GrantRows mirrors the
// SQL outer join, including the expiry filter.
type memStore struct {
	mu          sync.Mutex
	now         func() time.Time
	principals  []Principal
	roles       []Role
	permissions []Permission
	rolePerms   map[string][]string
	assignments []RoleAssignment
	err         error
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{now: now, rolePerms: map[string][]string{}}
}

func (m *memStore) addPrincipal(id, subject string) {
	m.principals = append(m.principals, Principal{ID: id, ExternalID: subject, Email: subject + "@example.com", Active: true})
}

func (m *memStore) addRole(id, name string, perms ...Permission) {
	m.roles = append(m.roles, Role{ID: id, Name: name, IsSystem: true})
	for _, p := range perms {
		if !m.hasPermission(p.ID) {
			m.permissions = append(m.permissions, p)
		}
		m.rolePerms[id] = append(m.rolePerms[id], p.ID)
	}
}

func (m *memStore) hasPermission(id string) bool {
	for _, p := range m.permissions {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (m *memStore) assign(principalID, roleID string, expiresAt *time.Time) {
	m.assignments = append(m.assignments, RoleAssignment{PrincipalID: principalID, RoleID: roleID, ExpiresAt: expiresAt})
}

func (m *memStore) find(key PrincipalKey) (Principal, bool) {
	for _, p := range m.principals {
		if (key.Kind == KeyInternal && p.ID == key.Value) || (key.Kind == KeyExternal && p.ExternalID == key.Value) {
			return p, true
		}
	}
	return Principal{}, false
}

func (m *memStore) roleByName(name string) (Role, bool) {
	for _, r := range m.roles {
		if r.Name == name {
			return r, true
		}
	}
	return Role{}, false
}

func (m *memStore) roleByID(id string) Role {
	for _, r := range m.roles {
		if r.ID == id {
			return r
		}
	}
	return Role{}
}

func (m *memStore) permByID(id string) Permission {
	for _, p := range m.permissions {
		if p.ID == id {
			return p
		}
	}
	return Permission{}
}

func (m *memStore) GrantRows(_ context.Context, key PrincipalKey) ([]GrantRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.find(key)
	if !ok {
		return nil, nil
	}
	base := GrantRow{PrincipalID: p.ID, ExternalID: p.ExternalID, Email: p.Email}
	var rows []GrantRow
	for _, a := range m.assignments {
		if a.PrincipalID != p.ID || !a.ActiveAt(m.now()) {
			continue
		}
		role := m.roleByID(a.RoleID)
		withRole := base
		withRole.RoleID, withRole.RoleName, withRole.RoleIsSystem = role.ID, role.Name, role.IsSystem
		perms := m.rolePerms[role.ID]
		if len(perms) == 0 {
			rows = append(rows, withRole)
			continue
		}
		for _, pid := range perms {
			perm := m.permByID(pid)
			row := withRole
			row.PermissionID, row.Resource, row.Action = perm.ID, perm.Resource, perm.Action
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		rows = append(rows, base)
	}
	return rows, nil
}

func (m *memStore) AssignRole(_ context.Context, req GrantRequest) (AssignOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return OutcomeStoreError, m.err
	}
	p, ok := m.find(req.Key)
	if !ok {
		return OutcomePrincipalNotFound, nil
	}
	role, ok := m.roleByName(req.Role)
	if !ok {
		return OutcomeRoleNotFound, nil
	}
	for i, a := range m.assignments {
		if a.PrincipalID == p.ID && a.RoleID == role.ID {
			if a.ActiveAt(m.now()) {
				return OutcomeAlreadyHeld, nil
			}
			m.assignments[i].GrantedBy, m.assignments[i].GrantedAt, m.assignments[i].ExpiresAt = req.GrantedBy, m.now(), req.ExpiresAt
			return OutcomeGranted, nil
		}
	}
	m.assignments = append(m.assignments, RoleAssignment{
		PrincipalID: p.ID, RoleID: role.ID, GrantedBy: req.GrantedBy, GrantedAt: m.now(), ExpiresAt: req.ExpiresAt,
	})
	return OutcomeGranted, nil
}

func (m *memStore) RevokeRole(_ context.Context, key PrincipalKey, roleName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	p, ok := m.find(key)
	role, roleOK := m.roleByName(roleName)
	if !ok || !roleOK {
		return false, nil
	}
	kept := m.assignments[:0]
	removed := false
	for _, a := range m.assignments {
		if a.PrincipalID == p.ID && a.RoleID == role.ID {
			removed = true
			continue
		}
		kept = append(kept, a)
	}
	m.assignments = kept
	return removed, nil
}

func (m *memStore) HasActiveRole(_ context.Context, principalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	for _, a := range m.assignments {
		if a.PrincipalID == principalID && a.ActiveAt(m.now()) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Assignments(_ context.Context, key PrincipalKey) ([]RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.find(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := []RoleAssignment{}
	for _, a := range m.assignments {
		if a.PrincipalID == p.ID {
			a.RoleName = m.roleByID(a.RoleID).Name
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ListRoles(context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Role(nil), m.roles...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) ListPermissions(context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Permission(nil), m.permissions...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Action < out[j].Action
	})
	return out, nil
}

func (m *memStore) CreateRole(_ context.Context, name, description string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roleByName(name); ok {
		return Role{}, ErrConflict
	}
	role := Role{ID: "role-" + name, Name: name, Description: description}
	m.roles = append(m.roles, role)
	return role, nil
}

func (m *memStore) DeleteRole(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.roles {
		if r.Name == name {
			if r.IsSystem {
				return ErrSystemRole
			}
			m.roles = append(m.roles[:i], m.roles[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) SetRolePermissions(_ context.Context, roleName string, refs []PermissionRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roleByName(roleName)
	if !ok {
		return ErrNotFound
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		found := ""
		for _, p := range m.permissions {
			if p.Ref() == ref {
				found = p.ID
			}
		}
		if found == "" {
			return ErrNotFound
		}
		ids = append(ids, found)
	}
	m.rolePerms[role.ID] = ids
	return nil
}

func (m *memStore) UpsertPrincipal(_ context.Context, profile Profile) (Principal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Principal{}, false, m.err
	}
	for i, p := range m.principals {
		if p.ExternalID == profile.Subject {
			m.principals[i].Email = profile.Email
			m.principals[i].Active = true
			return m.principals[i], false, nil
		}
	}
	p := Principal{ID: "p-" + profile.Subject, ExternalID: profile.Subject, Email: profile.Email, FullName: profile.FullName, Active: true}
	m.principals = append(m.principals, p)
	return p, true, nil
}

func (m *memStore) GetPrincipal(_ context.Context, key PrincipalKey) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.find(key)
	if !ok {
		return Principal{}, ErrNotFound
	}
	return p, nil
}

func (m *memStore) ListPrincipals(_ context.Context, limit, offset int) ([]Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset >= len(m.principals) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.principals) {
		end = len(m.principals)
	}
	return append([]Principal(nil), m.principals[offset:end]...), nil
}

func (m *memStore) UpdatePrincipal(_ context.Context, id string, upd ProfileUpdate) (Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Principal{}, m.err
	}
	for i, p := range m.principals {
		if p.ID != id {
			continue
		}
		set := func(dst *string, v *string) {
			if v != nil {
				*dst = *v
			}
		}
		set(&p.GivenName, upd.GivenName)
		set(&p.FamilyName, upd.FamilyName)
		set(&p.FullName, upd.FullName)
		set(&p.PictureURL, upd.PictureURL)
		if len(upd.Metadata) > 0 {
			if p.Metadata == nil {
				p.Metadata = map[string]any{}
			}
			for k, v := range upd.Metadata {
				p.Metadata[k] = v
			}
		}
		m.principals[i] = p
		return p, nil
	}
	return Principal{}, ErrNotFound
}

func (m *memStore) DeactivatePrincipal(_ context.Context, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.principals {
		if p.ExternalID == subject {
			m.principals[i].Active = false
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) DeletePrincipal(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.principals {
		if p.ID == id {
			m.principals = append(m.principals[:i], m.principals[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}
