package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"imail.app/internal/auth"
	"imail.app/internal/identity"
)

var (
	permAll            = auth.Permission{ID: "perm-all", Resource: "*", Action: "*"}
	permProfileRead    = auth.Permission{ID: "perm-profile-read", Resource: "profile", Action: "read"}
	permProfileWrite   = auth.Permission{ID: "perm-profile-write", Resource: "profile", Action: "write"}
	permCoursesRead    = auth.Permission{ID: "perm-courses-read", Resource: "courses", Action: "read"}
	permStudentsRead   = auth.Permission{ID: "perm-students-read", Resource: "students", Action: "read"}
	permStudentsAssign = auth.Permission{ID: "perm-students-assign", Resource: "students", Action: "assign"}

	roleAdmin   = auth.Role{ID: "role-admin", Name: "Admin", IsSystem: true}
	roleCoach   = auth.Role{ID: "role-coach", Name: "Coach", IsSystem: true}
	roleStudent = auth.Role{ID: "role-student", Name: "Student", IsSystem: true}
)

func snapshotFor(id, subject string, roles []auth.Role, perms ...auth.Permission) *auth.Snapshot {
	if roles == nil {
		roles = []auth.Role{}
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	return &auth.Snapshot{
		PrincipalID: id,
		Subject:     subject,
		Email:       id + "@imail.test",
		Roles:       roles,
		Permissions: perms,
		ResolvedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// fakeService is an in-memory RBACService. Snapshots are keyed by subject.
type fakeService struct {
	mu sync.Mutex

	snaps        map[string]*auth.Snapshot
	resolveErr   error
	resolveDelay time.Duration
	resolves     int

	roles        []auth.Role
	perms        []auth.Permission
	grantOutcome auth.AssignOutcome
	grantErr     error
	grants       []auth.GrantRequest
	revokeResult bool
	createErr    error
	deleteErr    error
	setPerms     map[string][]auth.PermissionRef

	logins      []auth.Profile
	loginErr    error
	deactivated []string
	deleted     []string
	updates     map[string]auth.ProfileUpdate
}

func newFakeService() *fakeService {
	return &fakeService{
		snaps: map[string]*auth.Snapshot{
			"auth0|admin":   snapshotFor("p-admin", "auth0|admin", []auth.Role{roleAdmin}, permAll),
			"auth0|coach":   snapshotFor("p-coach", "auth0|coach", []auth.Role{roleCoach}, permStudentsRead, permStudentsAssign, permProfileRead),
			"auth0|student": snapshotFor("p-student", "auth0|student", []auth.Role{roleStudent}, permProfileRead, permProfileWrite, permCoursesRead),
			"auth0|new":     snapshotFor("p-new", "auth0|new", nil),
		},
		roles:        []auth.Role{roleAdmin, roleCoach, roleStudent},
		perms:        []auth.Permission{permAll, permCoursesRead, permProfileRead, permStudentsAssign, permStudentsRead},
		grantOutcome: auth.OutcomeGranted,
		revokeResult: true,
		setPerms:     map[string][]auth.PermissionRef{},
		updates:      map[string]auth.ProfileUpdate{},
	}
}

func (f *fakeService) lookup(key auth.PrincipalKey) (*auth.Snapshot, bool) {
	for subject, snap := range f.snaps {
		if (key.Kind == auth.KeyExternal && subject == key.Value) || (key.Kind == auth.KeyInternal && snap.PrincipalID == key.Value) {
			return snap, true
		}
	}
	return nil, false
}

func (f *fakeService) Resolve(ctx context.Context, key auth.PrincipalKey) (*auth.Snapshot, error) {
	f.mu.Lock()
	f.resolves++
	delay, err := f.resolveDelay, f.resolveErr
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.lookup(key)
	if !ok {
		return nil, auth.ErrNotFound
	}
	return snap, nil
}

func (f *fakeService) Snapshot(ctx context.Context, key auth.PrincipalKey) (*auth.Snapshot, error) {
	return f.Resolve(ctx, key)
}

func (f *fakeService) Check(ctx context.Context, key auth.PrincipalKey, resource, action string) (auth.Decision, error) {
	snap, err := f.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return auth.DenyPrincipalNotFound(), nil
		}
		return auth.Decision{}, err
	}
	return auth.Authorize(snap, resource, action), nil
}

func (f *fakeService) Grant(_ context.Context, req auth.GrantRequest) (auth.AssignOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, req)
	return f.grantOutcome, f.grantErr
}

func (f *fakeService) Revoke(context.Context, auth.PrincipalKey, string) (bool, error) {
	return f.revokeResult, nil
}

func (f *fakeService) Assignments(_ context.Context, key auth.PrincipalKey) ([]auth.RoleAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.lookup(key)
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := []auth.RoleAssignment{}
	for _, role := range snap.Roles {
		out = append(out, auth.RoleAssignment{PrincipalID: snap.PrincipalID, RoleID: role.ID, RoleName: role.Name, Active: true})
	}
	return out, nil
}

func (f *fakeService) ListRoles(context.Context) ([]auth.Role, error) { return f.roles, nil }

func (f *fakeService) ListPermissions(context.Context) ([]auth.Permission, error) {
	return f.perms, nil
}

func (f *fakeService) CreateRole(_ context.Context, name, description string) (auth.Role, error) {
	if f.createErr != nil {
		return auth.Role{}, f.createErr
	}
	return auth.Role{ID: "role-" + name, Name: name, Description: description}, nil
}

func (f *fakeService) DeleteRole(context.Context, string) error { return f.deleteErr }

func (f *fakeService) SetRolePermissions(_ context.Context, role string, refs []auth.PermissionRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setPerms[role] = refs
	return nil
}

func (f *fakeService) ProvisionLogin(_ context.Context, profile auth.Profile) (auth.LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, profile)
	if f.loginErr != nil {
		return auth.LoginResult{}, f.loginErr
	}
	snap, ok := f.snaps[profile.Subject]
	created := !ok
	if !ok {
		snap = snapshotFor("p-"+profile.Subject, profile.Subject, []auth.Role{roleStudent}, permProfileRead, permCoursesRead)
		f.snaps[profile.Subject] = snap
	}
	return auth.LoginResult{
		Principal:           auth.Principal{ID: snap.PrincipalID, ExternalID: profile.Subject, Email: profile.Email, Active: true},
		Created:             created,
		DefaultRoleAssigned: created,
	}, nil
}

func (f *fakeService) Principal(_ context.Context, key auth.PrincipalKey) (auth.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.lookup(key)
	if !ok {
		return auth.Principal{}, auth.ErrNotFound
	}
	return auth.Principal{ID: snap.PrincipalID, ExternalID: snap.Subject, Email: snap.Email, Active: true}, nil
}

func (f *fakeService) ListPrincipals(context.Context, int, int) ([]auth.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]auth.Principal, 0, len(f.snaps))
	for _, snap := range f.snaps {
		out = append(out, auth.Principal{ID: snap.PrincipalID, ExternalID: snap.Subject, Email: snap.Email})
	}
	return out, nil
}

func (f *fakeService) UpdatePrincipal(_ context.Context, id string, upd auth.ProfileUpdate) (auth.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.lookup(auth.ByID(id))
	if !ok {
		return auth.Principal{}, auth.ErrNotFound
	}
	f.updates[id] = upd
	p := auth.Principal{ID: snap.PrincipalID, ExternalID: snap.Subject, Email: snap.Email, Active: true, Metadata: upd.Metadata}
	if upd.FullName != nil {
		p.FullName = *upd.FullName
	}
	return p, nil
}

func (f *fakeService) Deactivate(_ context.Context, subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, subject)
	return nil
}

func (f *fakeService) DeletePrincipal(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type testAPI struct {
	t       *testing.T
	api     *API
	svc     *fakeService
	handler http.Handler
	issuer  *identity.HS256Verifier
}

func newTestAPI(t *testing.T, svc *fakeService) *testAPI {
	t.Helper()
	if svc == nil {
		svc = newFakeService()
	}
	v, err := identity.NewHS256Verifier("test-secret")
	require.NoError(t, err)
	api, err := New(Options{
		Version:       "test",
		Service:       svc,
		Verifier:      v,
		AuthzTimeout:  200 * time.Millisecond,
		RateBurst:     1000,
		RatePerSecond: 1000,
		MaxBodyBytes:  1 << 16,
	})
	require.NoError(t, err)
	return &testAPI{t: t, api: api, svc: svc, handler: api.Handler(), issuer: v}
}

func (ta *testAPI) token(subject string) string {
	ta.t.Helper()
	tok, err := ta.issuer.Issue(identity.Claims{
		Subject:       subject,
		Email:         "user@imail.test",
		EmailVerified: true,
		Name:          "Test User",
	}, time.Hour)
	require.NoError(ta.t, err)
	return tok
}

func (ta *testAPI) do(method, path, subject string, body any) *httptest.ResponseRecorder {
	ta.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ta.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+ta.token(subject))
	}
	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(v))
	return &buf
}
