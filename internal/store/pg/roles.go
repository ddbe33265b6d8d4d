package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"imail.app/internal/auth"
	"imail.app/internal/ids"
)

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, coalesce(description, ''), is_system_role, created_at, updated_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.IsSystem, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, resource, action, coalesce(description, ''), created_at
		from permissions
		order by resource, action
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateRole(ctx context.Context, name, description string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	role := auth.Role{ID: ids.New(), Name: name, Description: description}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description, is_system_role)
		values ($1, $2, $3, false)
		returning created_at, updated_at
	`, role.ID, name, nullIfEmpty(description)).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return auth.Role{}, translate(err)
	}
	return role, nil
}

func (s *Store) DeleteRole(ctx context.Context, name string) error {
	if s.db == nil {
		return errNoDB
	}
	var system bool
	err := s.db.QueryRowContext(ctx, `select is_system_role from roles where name = $1`, name).Scan(&system)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}
	if system {
		return auth.ErrSystemRole
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where name = $1 and not is_system_role`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// SetRolePermissions replaces the role's permission links in one transaction. Every
// reference must name an existing catalog permission.
func (s *Store) SetRolePermissions(ctx context.Context, roleName string, refs []auth.PermissionRef) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var roleID string
	err = tx.QueryRowContext(ctx, `select id from roles where name = $1 for update`, roleName).Scan(&roleID)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrNotFound
	}
	if err != nil {
		return err
	}

	permIDs := make([]string, 0, len(refs))
	for _, ref := range refs {
		var id string
		err := tx.QueryRowContext(ctx, `
			select id from permissions where resource = $1 and action = $2
		`, ref.Resource, ref.Action).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: permission %s", auth.ErrNotFound, ref)
		}
		if err != nil {
			return err
		}
		permIDs = append(permIDs, id)
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, id := range permIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id) values ($1, $2)
			on conflict do nothing
		`, roleID, id); err != nil {
			return translate(err)
		}
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID); err != nil {
		return err
	}
	return tx.Commit()
}
