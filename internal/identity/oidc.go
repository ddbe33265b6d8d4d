package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCVerifier validates ID tokens issued by an OpenID Connect provider.
type OIDCVerifier struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider at issuer and verifies tokens minted for audience.
func NewOIDCVerifier(ctx context.Context, issuer, audience string) (*OIDCVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("identity: issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	return &OIDCVerifier{
		provider: provider,
		verifier: provider.Verifier(verifierConfig(audience)),
	}, nil
}

// NewOIDCVerifierFromKeySet verifies tokens against a fixed key set without discovery.
// UserInfo is unavailable on verifiers built this way.
func NewOIDCVerifierFromKeySet(issuer, audience string, keys oidc.KeySet) *OIDCVerifier {
	return &OIDCVerifier{verifier: oidc.NewVerifier(issuer, keys, verifierConfig(audience))}
}

func verifierConfig(audience string) *oidc.Config {
	audience = strings.TrimSpace(audience)
	return &oidc.Config{
		ClientID:          audience,
		SkipClientIDCheck: audience == "",
	}
}

// Verify checks signature, issuer, audience and expiry, then decodes the identity claims.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (Claims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Claims{}, ErrInvalidToken
	}
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims.Subject = idToken.Subject
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return claims, nil
}

// UserInfo fetches the profile for an access token from the provider's userinfo endpoint.
func (v *OIDCVerifier) UserInfo(ctx context.Context, accessToken string) (Claims, error) {
	if v.provider == nil {
		return Claims{}, errors.New("identity: userinfo requires provider discovery")
	}
	info, err := v.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	if err != nil {
		return Claims{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	var claims Claims
	if err := info.Claims(&claims); err != nil {
		return Claims{}, fmt.Errorf("decode userinfo: %w", err)
	}
	claims.Subject = info.Subject
	claims.Email = info.Email
	claims.EmailVerified = info.EmailVerified
	return claims, nil
}
