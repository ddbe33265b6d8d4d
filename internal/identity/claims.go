// Package identity verifies identity-provider tokens and carries the verified
// claims through request contexts.
package identity

import (
	"context"
	"errors"
	"strings"

	"imail.app/internal/auth"
)

// ErrInvalidToken indicates the token failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the verified identity asserted by the identity provider.
type Claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Picture       string `json:"picture,omitempty"`
}

// Profile converts the claims into the login profile used for principal provisioning.
func (c Claims) Profile() auth.Profile {
	return auth.Profile{
		Subject:       strings.TrimSpace(c.Subject),
		Email:         c.Email,
		FullName:      strings.TrimSpace(c.Name),
		GivenName:     c.GivenName,
		FamilyName:    c.FamilyName,
		PictureURL:    c.Picture,
		EmailVerified: c.EmailVerified,
	}
}

// Verifier validates a bearer token and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (Claims, error)
}

type claimsKey struct{}

// ContextWithClaims stores verified claims in the context.
func ContextWithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the verified claims, if any.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	if !ok || strings.TrimSpace(c.Subject) == "" {
		return Claims{}, false
	}
	return c, true
}

// SubjectFromContext returns the authenticated subject, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	c, ok := ClaimsFromContext(ctx)
	if !ok {
		return "", false
	}
	return c.Subject, true
}
