package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	GrantStore
	RoleStore
	PrincipalStore
}

// GrantStore reads and mutates role assignments.
type GrantStore interface {
	// GrantRows runs the single principal → active assignment → role → permission
	// outer join. It returns no rows when the principal does not exist.
	GrantRows(ctx context.Context, key PrincipalKey) ([]GrantRow, error)
	// AssignRole inserts the assignment, doing nothing when it already exists.
	AssignRole(ctx context.Context, req GrantRequest) (AssignOutcome, error)
	// RevokeRole deletes the assignment and reports whether a row was removed.
	RevokeRole(ctx context.Context, key PrincipalKey, roleName string) (bool, error)
	// HasActiveRole reports whether the principal holds any unexpired assignment.
	HasActiveRole(ctx context.Context, principalID string) (bool, error)
	// Assignments lists all assignment rows of the principal, expired ones included.
	// It returns ErrNotFound when the principal does not exist.
	Assignments(ctx context.Context, key PrincipalKey) ([]RoleAssignment, error)
}

// RoleStore manages the role and permission catalog.
type RoleStore interface {
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	CreateRole(ctx context.Context, name, description string) (Role, error)
	DeleteRole(ctx context.Context, name string) error
	SetRolePermissions(ctx context.Context, roleName string, refs []PermissionRef) error
}

// PrincipalStore manages principal records.
type PrincipalStore interface {
	// UpsertPrincipal creates or refreshes the principal keyed on its external subject
	// and reports whether a new row was inserted.
	UpsertPrincipal(ctx context.Context, profile Profile) (Principal, bool, error)
	GetPrincipal(ctx context.Context, key PrincipalKey) (Principal, error)
	ListPrincipals(ctx context.Context, limit, offset int) ([]Principal, error)
	// UpdatePrincipal applies the non-nil fields of upd and returns ErrNotFound for an
	// unknown id.
	UpdatePrincipal(ctx context.Context, id string, upd ProfileUpdate) (Principal, error)
	DeactivatePrincipal(ctx context.Context, subject string) error
	DeletePrincipal(ctx context.Context, id string) error
}

// GrantRequest describes a role assignment.
type GrantRequest struct {
	Key       PrincipalKey
	Role      string
	GrantedBy string
	ExpiresAt *time.Time
}

// AssignOutcome distinguishes the results of a role assignment.
type AssignOutcome int

const (
	OutcomeStoreError AssignOutcome = iota
	OutcomeGranted
	OutcomeAlreadyHeld
	OutcomeRoleNotFound
	OutcomePrincipalNotFound
)

func (o AssignOutcome) String() string {
	switch o {
	case OutcomeGranted:
		return "granted"
	case OutcomeAlreadyHeld:
		return "already_held"
	case OutcomeRoleNotFound:
		return "role_not_found"
	case OutcomePrincipalNotFound:
		return "principal_not_found"
	default:
		return "store_error"
	}
}
