package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"imail.app/internal/audit"
	"imail.app/internal/auth"
	"imail.app/internal/identity"
)

type verifyRequest struct {
	AccessToken string `json:"access_token"`
}

type loginResponse struct {
	auth.LoginResult
	Roles       []string          `json:"roles"`
	Permissions []auth.Permission `json:"permissions"`
}

func (a *API) mountAuth(r chi.Router) {
	r.Use(RequireAuthentication)
	r.Post("/verify", a.handleVerify)
	r.Post("/logout", a.handleLogout)
	r.With(a.authz.RequirePermission(auth.PermProfileRead.Resource, auth.PermProfileRead.Action)).Get("/me", a.handleMe)
	r.Get("/profile", a.handleProfile)
	r.Get("/roles", a.handleRoleCatalog)
}

// handleVerify provisions the caller after a successful identity-provider login and
// grants the default role when the principal holds none.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	claims, _ := identity.ClaimsFromContext(r.Context())

	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if token := strings.TrimSpace(req.AccessToken); token != "" && a.userinfo != nil {
		info, err := a.userinfo.UserInfo(r.Context(), token)
		if err != nil {
			a.log.WithError(err).WithField("subject", claims.Subject).Warn("userinfo lookup failed")
		} else if info.Subject == claims.Subject {
			claims = mergeClaims(claims, info)
		}
	}

	result, err := a.svc.ProvisionLogin(r.Context(), claims.Profile())
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"principal_id":          result.Principal.ID,
		"subject":               claims.Subject,
		"created":               result.Created,
		"default_role_assigned": result.DefaultRoleAssigned,
	})

	resp := loginResponse{LoginResult: result, Roles: []string{}, Permissions: []auth.Permission{}}
	if snap, err := a.svc.Resolve(r.Context(), auth.ByID(result.Principal.ID)); err == nil {
		resp.Roles = snap.RoleNames()
		resp.Permissions = snap.Permissions
	} else {
		a.log.WithError(err).WithField("principal_id", result.Principal.ID).Warn("post-login snapshot failed")
	}
	writeJSON(w, http.StatusOK, resp)
}

func mergeClaims(base, extra identity.Claims) identity.Claims {
	if base.Email == "" {
		base.Email = extra.Email
		base.EmailVerified = extra.EmailVerified
	}
	if base.Name == "" {
		base.Name = extra.Name
	}
	if base.GivenName == "" {
		base.GivenName = extra.GivenName
	}
	if base.FamilyName == "" {
		base.FamilyName = extra.FamilyName
	}
	if base.Picture == "" {
		base.Picture = extra.Picture
	}
	return base
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	snap, _ := auth.SnapshotFromContext(r.Context())
	principal, err := a.svc.Principal(r.Context(), auth.ByID(snap.PrincipalID))
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal":   principal,
		"roles":       snap.RoleNames(),
		"permissions": snap.Permissions,
	})
}

// handleProfile reports the caller's claims and capability tier. A caller that was
// never provisioned gets 404 "User not found".
func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	claims, _ := identity.ClaimsFromContext(r.Context())
	snap, subject, status, err := a.authz.resolve(r.Context())
	switch status {
	case resolveUnauthenticated:
		unauthorized(w, r, "Authentication required")
		return
	case resolveNotFound:
		writeError(w, r, http.StatusNotFound, auth.ReasonUserNotFound)
		return
	case resolveFailed:
		a.log.WithError(err).WithField("subject", subject).Error("profile resolution failed")
		writeError(w, r, http.StatusInternalServerError, "Permission check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":        claims.Subject,
		"email":          claims.Email,
		"email_verified": claims.EmailVerified,
		"name":           claims.Name,
		"picture":        claims.Picture,
		"roles":          snap.RoleNames(),
		"permissions":    snap.Permissions,
		"tier":           auth.Tier(snap),
		"features": map[string]bool{
			"student": auth.CanAccessStudentFeatures(snap),
			"coach":   auth.CanAccessCoachFeatures(snap),
			"admin":   auth.CanAccessAdminFeatures(snap),
		},
	})
}

// handleRoleCatalog lists every role, system and custom, to any authenticated caller.
func (a *API) handleRoleCatalog(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.ListRoles(r.Context())
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}
