package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by check kind and outcome.",
		},
		[]string{"check", "outcome"},
	)

	authzResolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authz_resolve_duration_seconds",
			Help:    "Permission snapshot resolution latency.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"key_kind", "outcome"},
	)

	roleChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbac_role_changes_total",
			Help: "Role grants and revocations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	firstLogins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbac_default_role_assignments_total",
			Help: "Default role assignments on login, by whether the principal was new. Approximate under concurrent first logins.",
		},
		[]string{"kind"},
	)

	initOnce sync.Once
)

// Init registers metrics in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authzDecisions, authzResolveDuration, roleChanges, firstLogins,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts one authorization outcome. Outcomes are allow, deny,
// unauthenticated, principal_not_found, error and attached.
func ObserveDecision(check, outcome string) {
	authzDecisions.WithLabelValues(check, outcome).Inc()
}

// ObserveResolve records the latency of one snapshot resolution.
func ObserveResolve(keyKind, outcome string, d time.Duration) {
	authzResolveDuration.WithLabelValues(keyKind, outcome).Observe(d.Seconds())
}

// ObserveRoleChange counts a grant or revoke with its outcome.
func ObserveRoleChange(op, outcome string) {
	roleChanges.WithLabelValues(op, outcome).Inc()
}

// ObserveDefaultRole counts a default role assignment on login.
func ObserveDefaultRole(newPrincipal bool) {
	kind := "existing_without_roles"
	if newPrincipal {
		kind = "new_principal"
	}
	firstLogins.WithLabelValues(kind).Inc()
}

// Instrument measures request rate, latency and concurrency.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		// chi fills the route pattern while routing, so it is read after ServeHTTP.
		path := routePattern(r)
		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return CanonicalPath(r.URL.Path)
}

// CanonicalPath collapses identifier segments so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "rbac" && parts[2] == "principals":
		parts[3] = ":key"
	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "rbac" && parts[2] == "roles":
		parts[3] = ":role"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "users":
		parts[2] = ":id"
	}
	if len(parts) >= 6 && parts[2] == "principals" && parts[4] == "roles" {
		parts[5] = ":role"
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
