package auth

import (
	"strings"
	"time"
)

// Wildcard matches any resource or action in a Permission.
const Wildcard = "*"

// Principal is a user known to the authorization store.
type Principal struct {
	ID            string         `json:"id"`
	ExternalID    string         `json:"external_id"`
	Email         string         `json:"email"`
	GivenName     string         `json:"given_name,omitempty"`
	FamilyName    string         `json:"family_name,omitempty"`
	FullName      string         `json:"full_name,omitempty"`
	PictureURL    string         `json:"picture_url,omitempty"`
	EmailVerified bool           `json:"email_verified"`
	Active        bool           `json:"is_active"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Role groups permissions. System roles come from seed data and cannot be deleted.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system_role"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Permission is a (resource, action) capability; either field may be Wildcard.
type Permission struct {
	ID          string    `json:"id"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Ref returns the (resource, action) pair of the permission.
func (p Permission) Ref() PermissionRef {
	return PermissionRef{Resource: p.Resource, Action: p.Action}
}

// PermissionRef names a capability without its catalog identity.
type PermissionRef struct {
	Resource string `json:"resource" validate:"required"`
	Action   string `json:"action" validate:"required"`
}

func (r PermissionRef) String() string {
	return r.Resource + ":" + r.Action
}

// ParsePermissionRef parses "resource:action".
func ParsePermissionRef(s string) (PermissionRef, bool) {
	resource, action, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || resource == "" || action == "" {
		return PermissionRef{}, false
	}
	return PermissionRef{Resource: resource, Action: action}, true
}

// RoleAssignment links a principal to a role. It is active while ExpiresAt is nil or in the future.
type RoleAssignment struct {
	PrincipalID string     `json:"principal_id"`
	RoleID      string     `json:"role_id"`
	RoleName    string     `json:"role_name"`
	GrantedBy   string     `json:"granted_by,omitempty"`
	GrantedAt   time.Time  `json:"granted_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Active      bool       `json:"active"`
}

// ActiveAt reports whether the assignment grants its role at t.
func (a RoleAssignment) ActiveAt(t time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(t)
}

// KeyKind selects which principal column a PrincipalKey addresses.
type KeyKind int

const (
	// KeyInternal addresses principals by their store identifier.
	KeyInternal KeyKind = iota
	// KeyExternal addresses principals by the identity-provider subject.
	KeyExternal
)

func (k KeyKind) String() string {
	switch k {
	case KeyInternal:
		return "internal"
	case KeyExternal:
		return "external"
	default:
		return "unknown"
	}
}

// PrincipalKey identifies a principal by internal id or external subject.
type PrincipalKey struct {
	Kind  KeyKind
	Value string
}

// ByID addresses a principal by internal identifier.
func ByID(id string) PrincipalKey {
	return PrincipalKey{Kind: KeyInternal, Value: strings.TrimSpace(id)}
}

// BySubject addresses a principal by identity-provider subject.
func BySubject(subject string) PrincipalKey {
	return PrincipalKey{Kind: KeyExternal, Value: strings.TrimSpace(subject)}
}

func (k PrincipalKey) String() string {
	return k.Kind.String() + ":" + k.Value
}

func (k PrincipalKey) valid() bool {
	return (k.Kind == KeyInternal || k.Kind == KeyExternal) && k.Value != ""
}

// GrantRow is one row of the principal → assignment → role → permission outer join.
// Role and permission fields are empty when the join produced no match.
type GrantRow struct {
	PrincipalID  string
	ExternalID   string
	Email        string
	GivenName    string
	FamilyName   string
	RoleID       string
	RoleName     string
	RoleDesc     string
	RoleIsSystem bool
	PermissionID string
	Resource     string
	Action       string
	PermDesc     string
}

// Profile carries the verified identity-provider claims used on login.
type Profile struct {
	Subject       string
	Email         string
	FullName      string
	GivenName     string
	FamilyName    string
	PictureURL    string
	EmailVerified bool
	Metadata      map[string]any
}

// ProfileUpdate carries an administrative or self-service edit of a principal. Nil
// fields are left unchanged; Metadata keys are merged into the stored document.
type ProfileUpdate struct {
	GivenName  *string
	FamilyName *string
	FullName   *string
	PictureURL *string
	Metadata   map[string]any
}

func (u ProfileUpdate) empty() bool {
	return u.GivenName == nil && u.FamilyName == nil && u.FullName == nil && u.PictureURL == nil && len(u.Metadata) == 0
}
