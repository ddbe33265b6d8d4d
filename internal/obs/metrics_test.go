package obs

import (
	"runtime"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := []struct{ input, expected string }{
		{"", "/"},
		{"/metrics", "/metrics"},
		{"/v1/users/01HZX", "/v1/users/:id"},
		{"/v1/users", "/v1/users"},
		{"/v1/rbac/roles", "/v1/rbac/roles"},
		{"/v1/rbac/roles/Coach/permissions", "/v1/rbac/roles/:role/permissions"},
		{"/v1/rbac/principals/abc/snapshot", "/v1/rbac/principals/:key/snapshot"},
		{"/v1/rbac/principals/abc/roles/Admin", "/v1/rbac/principals/:key/roles/:role"},
		{"/v1/rbac/principals/abc/check?resource=x", "/v1/rbac/principals/:key/check"},
		{"/v1/auth/profile", "/v1/auth/profile"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.input); got != tc.expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestObserveDecisionCounts(t *testing.T) {
	before := testutil.ToFloat64(authzDecisions.WithLabelValues("permission", "deny"))
	ObserveDecision("permission", "deny")
	ObserveDecision("permission", "deny")
	if got := testutil.ToFloat64(authzDecisions.WithLabelValues("permission", "deny")) - before; got != 2 {
		t.Fatalf("deny counter moved by %v, want 2", got)
	}
}

func TestInitBuildInfoReplacesLabels(t *testing.T) {
	InitBuildInfo("1.0.0", "")
	InitBuildInfo("1.1.0", "abc123")
	if n := testutil.CollectAndCount(buildInfo); n != 1 {
		t.Fatalf("build info series = %d, want 1", n)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("1.1.0", "abc123", runtime.Version())); v != 1 {
		t.Fatalf("build info value = %v, want 1", v)
	}
}
