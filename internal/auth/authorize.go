package auth

import (
	"fmt"
	"strings"
)

// DenialKind classifies why a Decision denied access.
type DenialKind string

const (
	DenialNone              DenialKind = ""
	DenialMissingPermission DenialKind = "missing_permission"
	DenialMissingRole       DenialKind = "missing_role"
	DenialPrincipalNotFound DenialKind = "principal_not_found"
)

// ReasonUserNotFound is the deny reason for principals absent from the store.
const ReasonUserNotFound = "User not found"

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool       `json:"allowed"`
	Reason  string     `json:"reason,omitempty"`
	Denial  DenialKind `json:"-"`
}

// Allow is the positive decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// DenyPrincipalNotFound is the decision for a principal the resolver could not find.
func DenyPrincipalNotFound() Decision {
	return Decision{Reason: ReasonUserNotFound, Denial: DenialPrincipalNotFound}
}

// Authorize decides whether the snapshot grants action on resource. A permission
// matches on exact pair, (*, action), (resource, *) or (*, *). A nil snapshot stands
// for a principal that could not be found.
func Authorize(snap *Snapshot, resource, action string) Decision {
	if snap == nil {
		return DenyPrincipalNotFound()
	}
	for _, p := range snap.Permissions {
		if matches(p.Resource, resource) && matches(p.Action, action) {
			return Allow()
		}
	}
	return Decision{
		Reason: fmt.Sprintf("Missing permission: %s:%s", resource, action),
		Denial: DenialMissingPermission,
	}
}

func matches(granted, requested string) bool {
	return granted == requested || granted == Wildcard
}

// AuthorizeRole allows when the snapshot holds at least one of names. Names compare
// case-sensitively and have no wildcard form.
func AuthorizeRole(snap *Snapshot, names ...string) Decision {
	if snap == nil {
		return DenyPrincipalNotFound()
	}
	for _, name := range names {
		if snap.HasRole(name) {
			return Allow()
		}
	}
	return Decision{
		Reason: "Missing role: one of " + strings.Join(names, ", "),
		Denial: DenialMissingRole,
	}
}
