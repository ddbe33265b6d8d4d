package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"imail.app/internal/obs"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

// LoginResult reports what ProvisionLogin did. Created and DefaultRoleAssigned are
// best-effort: concurrent first logins of the same subject may both observe no roles.
type LoginResult struct {
	Principal           Principal `json:"principal"`
	Created             bool      `json:"created"`
	DefaultRoleAssigned bool      `json:"default_role_assigned"`
}

// ProvisionLogin upserts the principal keyed on its identity-provider subject and,
// when it holds no active role, grants the default role. The grant relies on the
// store's unique (principal, role) constraint rather than locking, so racing logins
// are harmless. Failures after the upsert are logged and do not fail the login.
func (s *Service) ProvisionLogin(ctx context.Context, profile Profile) (LoginResult, error) {
	profile.Subject = strings.TrimSpace(profile.Subject)
	profile.Email = strings.ToLower(strings.TrimSpace(profile.Email))
	if profile.Subject == "" {
		return LoginResult{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if profile.Email == "" {
		return LoginResult{}, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if profile.FullName == "" {
		profile.FullName = strings.TrimSpace(profile.GivenName + " " + profile.FamilyName)
	}

	principal, created, err := s.store.UpsertPrincipal(ctx, profile)
	if err != nil {
		return LoginResult{}, fmt.Errorf("upsert principal: %w", err)
	}
	result := LoginResult{Principal: principal, Created: created}
	if s.defaultRole == "" {
		return result, nil
	}

	log := s.log.WithFields(logrus.Fields{
		"principal_id": principal.ID,
		"role":         s.defaultRole,
	})
	held, err := s.store.HasActiveRole(ctx, principal.ID)
	if err != nil {
		log.WithError(err).Warn("default role check failed")
		return result, nil
	}
	if held {
		return result, nil
	}
	if s.AssignRole(ctx, ByID(principal.ID), s.defaultRole, "") {
		result.DefaultRoleAssigned = true
		obs.ObserveDefaultRole(created)
		log.WithField("new_principal", created).Info("default role assigned")
	} else {
		log.Warn("default role not assigned (role missing or already held)")
	}
	return result, nil
}

// Principal returns the stored principal record.
func (s *Service) Principal(ctx context.Context, key PrincipalKey) (Principal, error) {
	if !key.valid() {
		return Principal{}, fmt.Errorf("%w: principal key is required", ErrInvalidInput)
	}
	return s.store.GetPrincipal(ctx, key)
}

// ListPrincipals pages through principals, newest first.
func (s *Service) ListPrincipals(ctx context.Context, limit, offset int) ([]Principal, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListPrincipals(ctx, limit, offset)
}

// UpdatePrincipal edits the principal's profile fields. Identity-provider owned fields
// (subject, email) are refreshed on login and cannot be changed here.
func (s *Service) UpdatePrincipal(ctx context.Context, id string, upd ProfileUpdate) (Principal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Principal{}, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	if upd.empty() {
		return Principal{}, fmt.Errorf("%w: nothing to update", ErrInvalidInput)
	}
	for _, f := range []*string{upd.GivenName, upd.FamilyName, upd.FullName, upd.PictureURL} {
		if f != nil {
			*f = strings.TrimSpace(*f)
		}
	}
	return s.store.UpdatePrincipal(ctx, id, upd)
}

// Deactivate marks the principal inactive after logout. Role assignments are kept.
func (s *Service) Deactivate(ctx context.Context, subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	return s.store.DeactivatePrincipal(ctx, subject)
}

// DeletePrincipal removes the principal and, through the schema, its assignments.
func (s *Service) DeletePrincipal(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidInput)
	}
	return s.store.DeletePrincipal(ctx, id)
}
