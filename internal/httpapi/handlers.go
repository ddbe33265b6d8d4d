package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"imail.app/internal/auth"
	"imail.app/internal/identity"
	"imail.app/internal/obs"
)

const serviceName = "imail-api"

// RBACService is the authorization surface the handlers depend on; *auth.Service
// implements it.
type RBACService interface {
	Resolver
	Snapshot(ctx context.Context, key auth.PrincipalKey) (*auth.Snapshot, error)
	Check(ctx context.Context, key auth.PrincipalKey, resource, action string) (auth.Decision, error)
	Grant(ctx context.Context, req auth.GrantRequest) (auth.AssignOutcome, error)
	Revoke(ctx context.Context, key auth.PrincipalKey, role string) (bool, error)
	Assignments(ctx context.Context, key auth.PrincipalKey) ([]auth.RoleAssignment, error)
	ListRoles(ctx context.Context) ([]auth.Role, error)
	ListPermissions(ctx context.Context) ([]auth.Permission, error)
	CreateRole(ctx context.Context, name, description string) (auth.Role, error)
	DeleteRole(ctx context.Context, name string) error
	SetRolePermissions(ctx context.Context, role string, refs []auth.PermissionRef) error
	ProvisionLogin(ctx context.Context, profile auth.Profile) (auth.LoginResult, error)
	Principal(ctx context.Context, key auth.PrincipalKey) (auth.Principal, error)
	ListPrincipals(ctx context.Context, limit, offset int) ([]auth.Principal, error)
	UpdatePrincipal(ctx context.Context, id string, upd auth.ProfileUpdate) (auth.Principal, error)
	Deactivate(ctx context.Context, subject string) error
	DeletePrincipal(ctx context.Context, id string) error
}

var _ RBACService = (*auth.Service)(nil)

// UserInfoFetcher enriches login claims from the identity provider's userinfo endpoint.
type UserInfoFetcher interface {
	UserInfo(ctx context.Context, accessToken string) (identity.Claims, error)
}

// readinessChecker reports whether dependencies are reachable.
type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options configures the HTTP API. X-Forwarded-For is honoured only from peers in
// TrustedProxies.
type Options struct {
	Version        string
	Service        RBACService
	Verifier       identity.Verifier
	UserInfo       UserInfoFetcher
	Ready          readinessChecker
	AuthzTimeout   time.Duration
	RateBurst      int
	RatePerSecond  float64
	MaxBodyBytes   int64
	CORSOrigins    []string
	TrustedProxies []netip.Prefix
	Production     bool
	Logger         logrus.FieldLogger
}

// API is the HTTP layer.
type API struct {
	router   chi.Router
	svc      RBACService
	authz    *Authorizer
	userinfo UserInfoFetcher
	ready    readinessChecker
	validate *validator.Validate
	log      logrus.FieldLogger
	version  string
}

// New wires routes and middleware.
func New(opts Options) (*API, error) {
	if opts.Service == nil {
		return nil, errors.New("httpapi: service is required")
	}
	if opts.Logger == nil {
		opts.Logger = obs.Logger()
	}
	if opts.Ready == nil {
		opts.Ready = ReadyProbe{}
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	a := &API{
		svc:      opts.Service,
		authz:    NewAuthorizer(opts.Service, opts.AuthzTimeout, opts.Logger),
		userinfo: opts.UserInfo,
		ready:    opts.Ready,
		validate: validator.New(),
		log:      opts.Logger,
		version:  opts.Version,
	}

	r := chi.NewRouter()
	r.Use(
		obs.Instrument,
		RequestID,
		LoggingJSON,
		SecurityHeaders(opts.Production),
		CORS(opts.CORSOrigins, opts.Production),
		NewRateLimiter(opts.RateBurst, opts.RatePerSecond, opts.TrustedProxies...).Middleware,
		MaxBodyBytes(opts.MaxBodyBytes),
		Authenticate(opts.Verifier),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1/auth", a.mountAuth)
	r.Route("/v1/rbac", a.mountRBAC)
	r.Route("/v1/users", a.mountUsers)

	a.router = r
	return a, nil
}

// Handler returns the traced root handler.
func (a *API) Handler() http.Handler {
	return otelhttp.NewHandler(a.router, serviceName)
}

// Authorizer exposes the request authorization middleware for other surfaces.
func (a *API) Authorizer() *Authorizer { return a.authz }

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, withRequestID(r, map[string]any{
		"error": msg,
	}))
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleRBACError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrSystemRole):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("rbac operation failed")
		writeError(w, r, http.StatusInternalServerError, "rbac operation failed")
	}
}
