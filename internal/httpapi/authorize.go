package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"imail.app/internal/auth"
	"imail.app/internal/identity"
	"imail.app/internal/obs"
)

// Resolver produces the caller's permission snapshot.
type Resolver interface {
	Resolve(ctx context.Context, key auth.PrincipalKey) (*auth.Snapshot, error)
}

// Authorizer builds request authorization middleware. Every check resolves a fresh
// snapshot and fails closed on resolver errors, including timeouts.
type Authorizer struct {
	resolver Resolver
	timeout  time.Duration
	log      logrus.FieldLogger
}

// NewAuthorizer returns an Authorizer that bounds each resolution by timeout
// (zero keeps only the request deadline).
func NewAuthorizer(resolver Resolver, timeout time.Duration, log logrus.FieldLogger) *Authorizer {
	if log == nil {
		log = obs.Logger()
	}
	return &Authorizer{resolver: resolver, timeout: timeout, log: log}
}

type resolveStatus int

const (
	resolvedOK resolveStatus = iota
	resolveUnauthenticated
	resolveNotFound
	resolveFailed
)

func (z *Authorizer) resolve(ctx context.Context) (*auth.Snapshot, string, resolveStatus, error) {
	subject, ok := identity.SubjectFromContext(ctx)
	if !ok {
		return nil, "", resolveUnauthenticated, nil
	}
	if z.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, z.timeout)
		defer cancel()
	}
	snap, err := z.resolver.Resolve(ctx, auth.BySubject(subject))
	switch {
	case errors.Is(err, auth.ErrNotFound):
		return nil, subject, resolveNotFound, err
	case err != nil:
		return nil, subject, resolveFailed, err
	case snap == nil:
		return nil, subject, resolveFailed, errors.New("resolver returned no snapshot")
	}
	return snap, subject, resolvedOK, nil
}

// RequirePermission admits the request only when the caller's snapshot covers
// resource:action.
func (z *Authorizer) RequirePermission(resource, action string) func(http.Handler) http.Handler {
	required := auth.PermissionRef{Resource: resource, Action: action}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap, subject, status, err := z.resolve(r.Context())
			log := z.log.WithFields(logrus.Fields{
				"request_id": RequestIDFromContext(r.Context()),
				"subject":    subject,
				"required":   required.String(),
			})
			if !z.handleResolve(w, r, log, "permission", status, err, "Permission check failed") {
				return
			}
			decision := auth.Authorize(snap, resource, action)
			if !decision.Allowed {
				obs.ObserveDecision("permission", "deny")
				log.WithField("denial", decision.Denial).Info("permission denied")
				writeJSON(w, http.StatusForbidden, withRequestID(r, map[string]any{
					"error":    "Insufficient permissions",
					"allowed":  false,
					"reason":   decision.Reason,
					"required": required.String(),
				}))
				return
			}
			obs.ObserveDecision("permission", "allow")
			next.ServeHTTP(w, r.WithContext(auth.ContextWithSnapshot(r.Context(), snap)))
		})
	}
}

// RequireRole admits the request only when the caller holds one of names.
func (z *Authorizer) RequireRole(names ...string) func(http.Handler) http.Handler {
	required := append([]string(nil), names...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap, subject, status, err := z.resolve(r.Context())
			log := z.log.WithFields(logrus.Fields{
				"request_id": RequestIDFromContext(r.Context()),
				"subject":    subject,
				"required":   required,
			})
			if !z.handleResolve(w, r, log, "role", status, err, "Role check failed") {
				return
			}
			decision := auth.AuthorizeRole(snap, required...)
			if !decision.Allowed {
				obs.ObserveDecision("role", "deny")
				log.WithField("current", snap.RoleNames()).Info("role denied")
				writeJSON(w, http.StatusForbidden, withRequestID(r, map[string]any{
					"error":    "Insufficient role permissions",
					"required": required,
					"current":  snap.RoleNames(),
				}))
				return
			}
			obs.ObserveDecision("role", "allow")
			next.ServeHTTP(w, r.WithContext(auth.ContextWithSnapshot(r.Context(), snap)))
		})
	}
}

// AttachPermissions resolves the caller's snapshot into the request context without
// blocking. Failures are logged and the request proceeds with no snapshot.
func (z *Authorizer) AttachPermissions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap, subject, status, err := z.resolve(r.Context())
		switch status {
		case resolvedOK:
			obs.ObserveDecision("attach", "attached")
			r = r.WithContext(auth.ContextWithSnapshot(r.Context(), snap))
		case resolveNotFound:
			obs.ObserveDecision("attach", "principal_not_found")
			z.log.WithField("subject", subject).Debug("no snapshot attached: principal not provisioned")
		case resolveFailed:
			obs.ObserveDecision("attach", "error")
			z.log.WithError(err).WithFields(logrus.Fields{
				"request_id": RequestIDFromContext(r.Context()),
				"subject":    subject,
			}).Warn("attach permissions failed")
		}
		next.ServeHTTP(w, r)
	})
}

// handleResolve writes the terminal response for every status except resolvedOK and
// reports whether the caller should continue.
func (z *Authorizer) handleResolve(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, check string, status resolveStatus, err error, failMsg string) bool {
	switch status {
	case resolvedOK:
		return true
	case resolveUnauthenticated:
		obs.ObserveDecision(check, "unauthenticated")
		unauthorized(w, r, "Authentication required")
	case resolveNotFound:
		obs.ObserveDecision(check, "principal_not_found")
		log.WithField("denial", auth.DenialPrincipalNotFound).Warn("authorization denied")
		writeError(w, r, http.StatusForbidden, auth.ReasonUserNotFound)
	default:
		obs.ObserveDecision(check, "error")
		log.WithError(err).Error("authorization resolution failed")
		writeError(w, r, http.StatusInternalServerError, failMsg)
	}
	return false
}

func withRequestID(r *http.Request, payload map[string]any) map[string]any {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	return payload
}
