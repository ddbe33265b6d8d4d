package pg

import (
	"context"
	"database/sql"
	"fmt"

	"imail.app/internal/auth"
)

// grantRowsQuery walks principal -> active assignments -> roles -> role_permissions ->
// permissions in one statement. The principal row is returned even without grants.
const grantRowsQuery = `
	select p.id, p.external_id, coalesce(p.email, ''), coalesce(p.given_name, ''), coalesce(p.family_name, ''),
	       coalesce(r.id, ''), coalesce(r.name, ''), coalesce(r.description, ''), coalesce(r.is_system_role, false),
	       coalesce(perm.id, ''), coalesce(perm.resource, ''), coalesce(perm.action, ''), coalesce(perm.description, '')
	from principals p
	left join role_assignments ra
	       on ra.principal_id = p.id
	      and (ra.expires_at is null or ra.expires_at > now())
	left join roles r on r.id = ra.role_id
	left join role_permissions rp on rp.role_id = r.id
	left join permissions perm on perm.id = rp.permission_id
	where p.%s = $1
	order by ra.granted_at nulls last, r.name, perm.resource, perm.action
`

func (s *Store) GrantRows(ctx context.Context, key auth.PrincipalKey) ([]auth.GrantRow, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	col, err := keyColumn(key)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(grantRowsQuery, col), key.Value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.GrantRow
	for rows.Next() {
		var g auth.GrantRow
		if err := rows.Scan(
			&g.PrincipalID, &g.ExternalID, &g.Email, &g.GivenName, &g.FamilyName,
			&g.RoleID, &g.RoleName, &g.RoleDesc, &g.RoleIsSystem,
			&g.PermissionID, &g.Resource, &g.Action, &g.PermDesc,
		); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// assignQuery inserts the assignment unless it already exists. An expired assignment is
// renewed in place and counts as a new grant; an active one is left untouched.
const assignQuery = `
	with p as (
		select id from principals where %s = $1
	), r as (
		select id from roles where name = $2
	), ins as (
		insert into role_assignments (principal_id, role_id, granted_by, granted_at, expires_at)
		select p.id, r.id, $3, now(), $4 from p, r
		on conflict (principal_id, role_id) do update
		set granted_by = excluded.granted_by,
		    granted_at = excluded.granted_at,
		    expires_at = excluded.expires_at
		where role_assignments.expires_at is not null and role_assignments.expires_at <= now()
		returning 1
	)
	select exists(select 1 from p), exists(select 1 from r), exists(select 1 from ins)
`

func (s *Store) AssignRole(ctx context.Context, req auth.GrantRequest) (auth.AssignOutcome, error) {
	if s.db == nil {
		return auth.OutcomeStoreError, errNoDB
	}
	col, err := keyColumn(req.Key)
	if err != nil {
		return auth.OutcomeStoreError, err
	}
	var principalFound, roleFound, inserted bool
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(assignQuery, col),
		req.Key.Value, req.Role, nullIfEmpty(req.GrantedBy), nullTime(req.ExpiresAt),
	).Scan(&principalFound, &roleFound, &inserted)
	if err != nil {
		return auth.OutcomeStoreError, translate(err)
	}
	switch {
	case !principalFound:
		return auth.OutcomePrincipalNotFound, nil
	case !roleFound:
		return auth.OutcomeRoleNotFound, nil
	case inserted:
		return auth.OutcomeGranted, nil
	default:
		return auth.OutcomeAlreadyHeld, nil
	}
}

func (s *Store) RevokeRole(ctx context.Context, key auth.PrincipalKey, roleName string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	col, err := keyColumn(key)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		delete from role_assignments ra
		using principals p, roles r
		where ra.principal_id = p.id
		  and ra.role_id = r.id
		  and p.%s = $1
		  and r.name = $2
	`, col), key.Value, roleName)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) HasActiveRole(ctx context.Context, principalID string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var held bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from role_assignments
			where principal_id = $1
			  and (expires_at is null or expires_at > now())
		)
	`, principalID).Scan(&held)
	if err != nil {
		return false, err
	}
	return held, nil
}

// Assignments lists every assignment of the principal, expired ones included, oldest
// grant first.
func (s *Store) Assignments(ctx context.Context, key auth.PrincipalKey) ([]auth.RoleAssignment, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	col, err := keyColumn(key)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select p.id, r.id, r.name, ra.granted_by, ra.granted_at, ra.expires_at
		from principals p
		left join role_assignments ra on ra.principal_id = p.id
		left join roles r on r.id = ra.role_id
		where p.%s = $1
		order by ra.granted_at nulls first, r.name
	`, col), key.Value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := false
	out := []auth.RoleAssignment{}
	for rows.Next() {
		var (
			principalID                 string
			roleID, roleName, grantedBy sql.NullString
			grantedAt, expiresAt        sql.NullTime
		)
		if err := rows.Scan(&principalID, &roleID, &roleName, &grantedBy, &grantedAt, &expiresAt); err != nil {
			return nil, err
		}
		found = true
		if !roleID.Valid {
			continue
		}
		a := auth.RoleAssignment{
			PrincipalID: principalID,
			RoleID:      roleID.String,
			RoleName:    roleName.String,
			GrantedBy:   grantedBy.String,
			GrantedAt:   grantedAt.Time,
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			a.ExpiresAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, auth.ErrNotFound
	}
	return out, nil
}
