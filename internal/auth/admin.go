package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"imail.app/internal/obs"
)

// Grant assigns a role by name. Re-assigning a held role is a no-op reported as
// OutcomeAlreadyHeld; an unknown role or principal is reported, not returned as an error.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (AssignOutcome, error) {
	req.Role = strings.TrimSpace(req.Role)
	req.GrantedBy = strings.TrimSpace(req.GrantedBy)
	if !req.Key.valid() {
		return OutcomeStoreError, fmt.Errorf("%w: principal key is required", ErrInvalidInput)
	}
	if req.Role == "" {
		return OutcomeStoreError, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return OutcomeStoreError, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	outcome, err := s.store.AssignRole(ctx, req)
	if err != nil {
		obs.ObserveRoleChange("grant", OutcomeStoreError.String())
		return OutcomeStoreError, err
	}
	obs.ObserveRoleChange("grant", outcome.String())
	return outcome, nil
}

// AssignRole grants role to the principal and reports whether it was newly granted.
// False covers an already held role, an unknown role or principal, and store failures;
// callers that need the distinction use Grant.
func (s *Service) AssignRole(ctx context.Context, key PrincipalKey, role, grantedBy string) bool {
	outcome, err := s.Grant(ctx, GrantRequest{Key: key, Role: role, GrantedBy: grantedBy})
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"principal": key.String(),
			"role":      role,
		}).Warn("role assignment failed")
		return false
	}
	return outcome == OutcomeGranted
}

// Revoke removes the role from the principal and reports whether an assignment existed.
func (s *Service) Revoke(ctx context.Context, key PrincipalKey, role string) (bool, error) {
	role = strings.TrimSpace(role)
	if !key.valid() || role == "" {
		return false, fmt.Errorf("%w: principal key and role are required", ErrInvalidInput)
	}
	removed, err := s.store.RevokeRole(ctx, key, role)
	if err != nil {
		obs.ObserveRoleChange("revoke", "store_error")
		return false, err
	}
	if removed {
		obs.ObserveRoleChange("revoke", "revoked")
	} else {
		obs.ObserveRoleChange("revoke", "not_held")
	}
	return removed, nil
}

// RevokeRole is the boolean form of Revoke; failures are logged and reported as false.
func (s *Service) RevokeRole(ctx context.Context, key PrincipalKey, role string) bool {
	removed, err := s.Revoke(ctx, key, role)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"principal": key.String(),
			"role":      role,
		}).Warn("role revocation failed")
		return false
	}
	return removed
}

// Assignments returns the principal's role assignments with Active evaluated at the
// service clock. Expired assignments stay listed until revoked.
func (s *Service) Assignments(ctx context.Context, key PrincipalKey) ([]RoleAssignment, error) {
	if !key.valid() {
		return nil, fmt.Errorf("%w: principal key is required", ErrInvalidInput)
	}
	list, err := s.store.Assignments(ctx, key)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range list {
		list[i].Active = list[i].ActiveAt(now)
	}
	return list, nil
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// ListPermissions returns the permission catalog ordered by resource and action.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// CreateRole adds a custom role.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if strings.Contains(name, Wildcard) {
		return Role{}, fmt.Errorf("%w: role names cannot contain %q", ErrInvalidInput, Wildcard)
	}
	return s.store.CreateRole(ctx, name, strings.TrimSpace(description))
}

// DeleteRole removes a custom role together with its assignments.
func (s *Service) DeleteRole(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	return s.store.DeleteRole(ctx, name)
}

// SetRolePermissions replaces the permissions granted by a role.
func (s *Service) SetRolePermissions(ctx context.Context, role string, refs []PermissionRef) error {
	role = strings.TrimSpace(role)
	if role == "" {
		return fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	cleaned, err := dedupeRefs(refs)
	if err != nil {
		return err
	}
	return s.store.SetRolePermissions(ctx, role, cleaned)
}

func dedupeRefs(refs []PermissionRef) ([]PermissionRef, error) {
	seen := make(map[PermissionRef]struct{}, len(refs))
	out := make([]PermissionRef, 0, len(refs))
	for _, ref := range refs {
		ref.Resource = strings.TrimSpace(ref.Resource)
		ref.Action = strings.TrimSpace(ref.Action)
		if ref.Resource == "" || ref.Action == "" {
			return nil, fmt.Errorf("%w: permission resource and action are required", ErrInvalidInput)
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}
