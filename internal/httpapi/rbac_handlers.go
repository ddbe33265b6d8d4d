package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"imail.app/internal/audit"
	"imail.app/internal/auth"
)

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,max=64,excludes=*"`
	Description string `json:"description" validate:"max=512"`
}

type setRolePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"dive,required"`
}

type assignRoleRequest struct {
	Role      string     `json:"role" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (a *API) mountRBAC(r chi.Router) {
	r.Use(a.authz.RequireRole(auth.Names(auth.RoleAdmin)...))

	r.Get("/roles", a.handleListRoles)
	r.Post("/roles", a.handleCreateRole)
	r.Delete("/roles/{name}", a.handleDeleteRole)
	r.Put("/roles/{name}/permissions", a.handleSetRolePermissions)
	r.Get("/permissions", a.handleListPermissions)

	r.Get("/principals/{key}/snapshot", a.handleSnapshot)
	r.Get("/principals/{key}/check", a.handleCheck)
	r.Get("/principals/{key}/assignments", a.handleAssignments)
	r.Post("/principals/{key}/roles", a.handleAssignRole)
	r.Delete("/principals/{key}/roles/{role}", a.handleRevokeRole)
}

// principalKey reads the {key} path parameter as an internal id, or as an
// identity-provider subject when the request carries ?by=subject.
func principalKey(r *http.Request) (auth.PrincipalKey, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "key"))
	if raw == "" {
		return auth.PrincipalKey{}, fmt.Errorf("%w: principal key is required", auth.ErrInvalidInput)
	}
	switch r.URL.Query().Get("by") {
	case "", "id":
		return auth.ByID(raw), nil
	case "subject":
		return auth.BySubject(raw), nil
	default:
		return auth.PrincipalKey{}, fmt.Errorf("%w: by must be id or subject", auth.ErrInvalidInput)
	}
}

func actorID(r *http.Request) string {
	if snap, ok := auth.SnapshotFromContext(r.Context()); ok && snap != nil {
		return snap.PrincipalID
	}
	return ""
}

func (a *API) validationError(w http.ResponseWriter, r *http.Request, err error) {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid %s: failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		return
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.ListRoles(r.Context())
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.svc.ListPermissions(r.Context())
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := a.validate.Struct(req); err != nil {
		a.validationError(w, r, err)
		return
	}
	role, err := a.svc.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.create", map[string]any{"role": role.Name, "role_id": role.ID})
	w.Header().Set("Location", "/v1/rbac/roles/"+role.Name)
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.svc.DeleteRole(r.Context(), name); err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.delete", map[string]any{"role": name})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req setRolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.validationError(w, r, err)
		return
	}
	refs := make([]auth.PermissionRef, 0, len(req.Permissions))
	for _, raw := range req.Permissions {
		ref, ok := auth.ParsePermissionRef(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid permission %q, expected resource:action", raw))
			return
		}
		refs = append(refs, ref)
	}
	if err := a.svc.SetRolePermissions(r.Context(), name, refs); err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permissions", map[string]any{
		"role":        name,
		"permissions": req.Permissions,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	key, err := principalKey(r)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	snap, err := a.svc.Snapshot(r.Context(), key)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal_id": snap.PrincipalID,
		"subject":      snap.Subject,
		"roles":        snap.RoleNames(),
		"permissions":  snap.Permissions,
	})
}

// handleAssignments lists every assignment the principal holds, including expired
// ones that still await revocation.
func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	key, err := principalKey(r)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	list, err := a.svc.Assignments(r.Context(), key)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": list})
}

// handleCheck evaluates a single permission for a principal. An unknown principal is
// a deny decision, not a 404.
func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	key, err := principalKey(r)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	resource := strings.TrimSpace(r.URL.Query().Get("resource"))
	action := strings.TrimSpace(r.URL.Query().Get("action"))
	if resource == "" || action == "" {
		writeError(w, r, http.StatusBadRequest, "resource and action are required")
		return
	}
	decision, err := a.svc.Check(r.Context(), key, resource, action)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	key, err := principalKey(r)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.validationError(w, r, err)
		return
	}
	outcome, err := a.svc.Grant(r.Context(), auth.GrantRequest{
		Key:       key,
		Role:      req.Role,
		GrantedBy: actorID(r),
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.assign", map[string]any{
		"principal": key.String(),
		"role":      req.Role,
		"outcome":   outcome.String(),
	})
	body := map[string]any{"principal": key.String(), "role": req.Role, "outcome": outcome.String()}
	switch outcome {
	case auth.OutcomeGranted:
		writeJSON(w, http.StatusCreated, body)
	case auth.OutcomeAlreadyHeld:
		writeJSON(w, http.StatusOK, body)
	case auth.OutcomeRoleNotFound:
		writeError(w, r, http.StatusNotFound, "role not found")
	case auth.OutcomePrincipalNotFound:
		writeError(w, r, http.StatusNotFound, "principal not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "role assignment failed")
	}
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	key, err := principalKey(r)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	role := chi.URLParam(r, "role")
	removed, err := a.svc.Revoke(r.Context(), key, role)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	if !removed {
		writeError(w, r, http.StatusNotFound, "role assignment not found")
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.revoke", map[string]any{
		"principal": key.String(),
		"role":      role,
	})
	w.WriteHeader(http.StatusNoContent)
}
