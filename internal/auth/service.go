package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"imail.app/internal/obs"
)

var tracer = otel.Tracer("imail.app/internal/auth")

// Service resolves permission snapshots and administers role assignments.
type Service struct {
	store       Store
	now         func() time.Time
	defaultRole string
	log         logrus.FieldLogger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithDefaultRole sets the role granted on first login. An empty name disables it.
func WithDefaultRole(name string) ServiceOption {
	return func(s *Service) error {
		s.defaultRole = strings.TrimSpace(name)
		return nil
	}
}

// WithLogger overrides the logger used for swallowed administrative failures.
func WithLogger(l logrus.FieldLogger) ServiceOption {
	return func(s *Service) error {
		if l == nil {
			return errors.New("auth: logger is nil")
		}
		s.log = l
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:       store,
		now:         time.Now,
		defaultRole: string(RoleStudent),
		log:         obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Resolve aggregates the principal's active roles and reachable permissions.
// It returns ErrNotFound when the principal does not exist and an empty snapshot
// when it exists without active assignments.
func (s *Service) Resolve(ctx context.Context, key PrincipalKey) (*Snapshot, error) {
	if !key.valid() {
		return nil, fmt.Errorf("%w: principal key is required", ErrInvalidInput)
	}
	kind := key.Kind.String()
	ctx, span := tracer.Start(ctx, "auth.Resolve", trace.WithAttributes(
		attribute.String("principal.key_kind", kind),
	))
	defer span.End()

	start := time.Now()
	rows, err := s.store.GrantRows(ctx, key)
	if err != nil {
		obs.ObserveResolve(kind, "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	snap, ok := BuildSnapshot(rows, s.now().UTC())
	if !ok {
		obs.ObserveResolve(kind, "not_found", time.Since(start))
		span.SetAttributes(attribute.Bool("principal.found", false))
		return nil, ErrNotFound
	}
	obs.ObserveResolve(kind, "ok", time.Since(start))
	span.SetAttributes(
		attribute.Bool("principal.found", true),
		attribute.Int("snapshot.roles", len(snap.Roles)),
		attribute.Int("snapshot.permissions", len(snap.Permissions)),
	)
	return snap, nil
}

// Snapshot returns the principal's current permission snapshot.
func (s *Service) Snapshot(ctx context.Context, key PrincipalKey) (*Snapshot, error) {
	return s.Resolve(ctx, key)
}

// Check resolves the principal and authorizes resource:action. A missing principal
// yields a denial rather than an error; store failures are returned as errors.
func (s *Service) Check(ctx context.Context, key PrincipalKey, resource, action string) (Decision, error) {
	resource = strings.TrimSpace(resource)
	action = strings.TrimSpace(action)
	if resource == "" || action == "" {
		return Decision{}, fmt.Errorf("%w: resource and action are required", ErrInvalidInput)
	}
	snap, err := s.Resolve(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return DenyPrincipalNotFound(), nil
	}
	if err != nil {
		return Decision{}, err
	}
	return Authorize(snap, resource, action), nil
}
