package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imail.app/internal/auth"
)

func TestRBACRoutesRequireAdmin(t *testing.T) {
	ta := newTestAPI(t, nil)

	rr := ta.do(http.MethodGet, "/v1/rbac/roles", "auth0|coach", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "Insufficient role permissions", body["error"])
	assert.Equal(t, []any{"Admin"}, body["required"])
	assert.Equal(t, []any{"Coach"}, body["current"])

	assert.Equal(t, http.StatusUnauthorized, ta.do(http.MethodGet, "/v1/rbac/roles", "", nil).Code)
}

func TestRBACListings(t *testing.T) {
	ta := newTestAPI(t, nil)

	rr := ta.do(http.MethodGet, "/v1/rbac/roles", "auth0|admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	roles, ok := decodeBody(t, rr)["roles"].([]any)
	require.True(t, ok)
	assert.Len(t, roles, 3)

	rr = ta.do(http.MethodGet, "/v1/rbac/permissions", "auth0|admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	perms, ok := decodeBody(t, rr)["permissions"].([]any)
	require.True(t, ok)
	assert.Len(t, perms, 5)
}

func TestCreateRole(t *testing.T) {
	ta := newTestAPI(t, nil)

	rr := ta.do(http.MethodPost, "/v1/rbac/roles", "auth0|admin", map[string]string{"name": " Reviewer ", "description": "Reviews essays"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "/v1/rbac/roles/Reviewer", rr.Header().Get("Location"))
	assert.Equal(t, "Reviewer", decodeBody(t, rr)["name"])

	rr = ta.do(http.MethodPost, "/v1/rbac/roles", "auth0|admin", map[string]string{"name": ""})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid name: failed required", decodeBody(t, rr)["error"])

	rr = ta.do(http.MethodPost, "/v1/rbac/roles", "auth0|admin", map[string]string{"name": "Super*"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ta.do(http.MethodPost, "/v1/rbac/roles", "auth0|admin", map[string]any{"name": "X", "is_system_role": true})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCreateRoleConflict(t *testing.T) {
	svc := newFakeService()
	svc.createErr = auth.ErrConflict
	ta := newTestAPI(t, svc)
	rr := ta.do(http.MethodPost, "/v1/rbac/roles", "auth0|admin", map[string]string{"name": "Coach"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestDeleteRole(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"deleted", nil, http.StatusNoContent},
		{"system role", auth.ErrSystemRole, http.StatusConflict},
		{"missing", auth.ErrNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.deleteErr = tt.err
			ta := newTestAPI(t, svc)
			rr := ta.do(http.MethodDelete, "/v1/rbac/roles/Reviewer", "auth0|admin", nil)
			assert.Equal(t, tt.status, rr.Code)
		})
	}
}

func TestSetRolePermissions(t *testing.T) {
	ta := newTestAPI(t, nil)

	rr := ta.do(http.MethodPut, "/v1/rbac/roles/Reviewer/permissions", "auth0|admin", map[string]any{
		"permissions": []string{"reports:read", "content:*"},
	})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())
	assert.Equal(t, []auth.PermissionRef{
		{Resource: "reports", Action: "read"},
		{Resource: "content", Action: "*"},
	}, ta.svc.setPerms["Reviewer"])

	rr = ta.do(http.MethodPut, "/v1/rbac/roles/Reviewer/permissions", "auth0|admin", map[string]any{
		"permissions": []string{"reports"},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeBody(t, rr)["error"], "expected resource:action")

	rr = ta.do(http.MethodPut, "/v1/rbac/roles/Reviewer/permissions", "auth0|admin", map[string]any{
		"permissions": []string{},
	})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, ta.svc.setPerms["Reviewer"])
}

func TestAssignRoleOutcomes(t *testing.T) {
	tests := []struct {
		outcome auth.AssignOutcome
		err     error
		status  int
	}{
		{outcome: auth.OutcomeGranted, status: http.StatusCreated},
		{outcome: auth.OutcomeAlreadyHeld, status: http.StatusOK},
		{outcome: auth.OutcomeRoleNotFound, status: http.StatusNotFound},
		{outcome: auth.OutcomePrincipalNotFound, status: http.StatusNotFound},
		{outcome: auth.OutcomeStoreError, err: errors.New("db down"), status: http.StatusInternalServerError},
		{outcome: auth.OutcomeStoreError, err: auth.ErrInvalidInput, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			svc := newFakeService()
			svc.grantOutcome, svc.grantErr = tt.outcome, tt.err
			ta := newTestAPI(t, svc)
			rr := ta.do(http.MethodPost, "/v1/rbac/principals/p-student/roles", "auth0|admin", map[string]string{"role": "Coach"})
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
}

func TestAssignRoleRequest(t *testing.T) {
	ta := newTestAPI(t, nil)
	expires := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)

	rr := ta.do(http.MethodPost, "/v1/rbac/principals/auth0%7Cstudent/roles?by=subject", "auth0|admin", map[string]any{
		"role":       "Coach",
		"expires_at": expires,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, ta.svc.grants, 1)
	got := ta.svc.grants[0]
	assert.Equal(t, auth.BySubject("auth0|student"), got.Key)
	assert.Equal(t, "Coach", got.Role)
	assert.Equal(t, "p-admin", got.GrantedBy)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))
	assert.Equal(t, "granted", decodeBody(t, rr)["outcome"])

	rr = ta.do(http.MethodPost, "/v1/rbac/principals/p-student/roles", "auth0|admin", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ta.do(http.MethodPost, "/v1/rbac/principals/p-student/roles?by=email", "auth0|admin", map[string]string{"role": "Coach"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRevokeRole(t *testing.T) {
	ta := newTestAPI(t, nil)
	assert.Equal(t, http.StatusNoContent, ta.do(http.MethodDelete, "/v1/rbac/principals/p-coach/roles/Coach", "auth0|admin", nil).Code)

	ta.svc.revokeResult = false
	rr := ta.do(http.MethodDelete, "/v1/rbac/principals/p-coach/roles/Coach", "auth0|admin", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "role assignment not found", decodeBody(t, rr)["error"])
}

func TestPrincipalSnapshot(t *testing.T) {
	ta := newTestAPI(t, nil)

	rr := ta.do(http.MethodGet, "/v1/rbac/principals/p-coach/snapshot", "auth0|admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, "auth0|coach", body["subject"])
	assert.Equal(t, []any{"Coach"}, body["roles"])

	rr = ta.do(http.MethodGet, "/v1/rbac/principals/auth0%7Cnew/snapshot?by=subject", "auth0|admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{}, decodeBody(t, rr)["roles"])

	rr = ta.do(http.MethodGet, "/v1/rbac/principals/p-ghost/snapshot", "auth0|admin", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPrincipalAssignments(t *testing.T) {
	ta := newTestAPI(t, nil)

	rr := ta.do(http.MethodGet, "/v1/rbac/principals/p-coach/assignments", "auth0|admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list, ok := decodeBody(t, rr)["assignments"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	assert.Equal(t, "Coach", first["role_name"])
	assert.Equal(t, true, first["active"])

	rr = ta.do(http.MethodGet, "/v1/rbac/principals/auth0%7Cnew/assignments?by=subject", "auth0|admin", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{}, decodeBody(t, rr)["assignments"])

	assert.Equal(t, http.StatusNotFound, ta.do(http.MethodGet, "/v1/rbac/principals/p-ghost/assignments", "auth0|admin", nil).Code)
	assert.Equal(t, http.StatusForbidden, ta.do(http.MethodGet, "/v1/rbac/principals/p-coach/assignments", "auth0|coach", nil).Code)
}

func TestPrincipalCheck(t *testing.T) {
	ta := newTestAPI(t, nil)
	tests := []struct {
		path    string
		allowed bool
		reason  string
	}{
		{"/v1/rbac/principals/p-coach/check?resource=students&action=read", true, ""},
		{"/v1/rbac/principals/p-coach/check?resource=users&action=delete", false, "Missing permission: users:delete"},
		{"/v1/rbac/principals/p-ghost/check?resource=users&action=read", false, "User not found"},
	}
	for _, tt := range tests {
		rr := ta.do(http.MethodGet, tt.path, "auth0|admin", nil)
		require.Equal(t, http.StatusOK, rr.Code, tt.path)
		body := decodeBody(t, rr)
		assert.Equal(t, tt.allowed, body["allowed"], tt.path)
		if tt.reason != "" {
			assert.Equal(t, tt.reason, body["reason"], tt.path)
		}
	}

	rr := ta.do(http.MethodGet, "/v1/rbac/principals/p-coach/check?resource=users", "auth0|admin", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPrincipalKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?by=subject", nil)
	_, err := principalKey(req)
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}
