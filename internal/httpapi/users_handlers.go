package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"imail.app/internal/audit"
	"imail.app/internal/auth"
)

type updateUserRequest struct {
	GivenName  *string        `json:"given_name" validate:"omitempty,max=100"`
	FamilyName *string        `json:"family_name" validate:"omitempty,max=100"`
	FullName   *string        `json:"full_name" validate:"omitempty,max=200"`
	PictureURL *string        `json:"picture_url" validate:"omitempty,url"`
	Metadata   map[string]any `json:"metadata"`
}

func (a *API) mountUsers(r chi.Router) {
	r.With(a.authz.AttachPermissions, RequireAuthentication).Get("/", a.handleListUsers)
	r.With(a.authz.AttachPermissions, RequireAuthentication).Get("/{id}", a.handleGetUser)
	r.With(a.authz.AttachPermissions, RequireAuthentication).Put("/{id}", a.handleUpdateUser)
	r.With(a.authz.RequirePermission(auth.PermUsersDelete.Resource, auth.PermUsersDelete.Action)).Delete("/{id}", a.handleDeleteUser)
}

// handleListUsers returns every principal to callers holding users:read and only
// the caller's own record otherwise.
func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	snap, _ := auth.SnapshotFromContext(r.Context())
	if !snap.Can(auth.PermUsersRead.Resource, auth.PermUsersRead.Action) {
		if snap == nil {
			writeJSON(w, http.StatusOK, map[string]any{"users": []auth.Principal{}})
			return
		}
		self, err := a.svc.Principal(r.Context(), auth.ByID(snap.PrincipalID))
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": []auth.Principal{self}})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	users, err := a.svc.ListPrincipals(r.Context(), limit, offset)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.Principal{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, _ := auth.SnapshotFromContext(r.Context())
	self := snap != nil && snap.PrincipalID == id
	if !self && !snap.Can(auth.PermUsersRead.Resource, auth.PermUsersRead.Action) {
		forbidPermission(w, r, auth.PermUsersRead)
		return
	}
	user, err := a.svc.Principal(r.Context(), auth.ByID(id))
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUpdateUser edits profile fields. Callers may edit themselves with profile:write;
// editing anyone else takes users:write.
func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, _ := auth.SnapshotFromContext(r.Context())
	required := auth.PermUsersWrite
	if snap != nil && snap.PrincipalID == id {
		required = auth.PermProfileWrite
	}
	if !snap.Can(required.Resource, required.Action) && !snap.Can(auth.PermUsersWrite.Resource, auth.PermUsersWrite.Action) {
		forbidPermission(w, r, required)
		return
	}

	var req updateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		a.validationError(w, r, err)
		return
	}
	user, err := a.svc.UpdatePrincipal(r.Context(), id, auth.ProfileUpdate{
		GivenName:  req.GivenName,
		FamilyName: req.FamilyName,
		FullName:   req.FullName,
		PictureURL: req.PictureURL,
		Metadata:   req.Metadata,
	})
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "users.update", map[string]any{"principal_id": id})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.DeletePrincipal(r.Context(), id); err != nil {
		handleRBACError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "users.delete", map[string]any{"principal_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func forbidPermission(w http.ResponseWriter, r *http.Request, required auth.PermissionRef) {
	writeJSON(w, http.StatusForbidden, withRequestID(r, map[string]any{
		"error":    "Insufficient permissions",
		"allowed":  false,
		"reason":   "Missing permission: " + required.String(),
		"required": required.String(),
	}))
}
