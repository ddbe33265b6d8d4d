package httpapi

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"imail.app/internal/auth"
	"imail.app/internal/identity"
	"imail.app/internal/obs"
)

// MethodRule is the authorization requirement of one gRPC method. Public methods
// skip authentication; otherwise either a permission or a role set is enforced.
type MethodRule struct {
	Public     bool
	Permission auth.PermissionRef
	Roles      []string
}

// DefaultMethodRules exposes the standard health service without credentials.
func DefaultMethodRules() map[string]MethodRule {
	return map[string]MethodRule{
		healthpb.Health_Check_FullMethodName: {Public: true},
		healthpb.Health_Watch_FullMethodName: {Public: true},
	}
}

// GRPCOptions configures NewGRPCServer.
type GRPCOptions struct {
	Verifier   identity.Verifier
	Authorizer *Authorizer
	Ready      readinessChecker
	Rules      map[string]MethodRule
	Logger     logrus.FieldLogger
}

// GRPCServer serves the gRPC health service behind the same authentication and
// authorization rules as the HTTP API. Methods without a rule are denied.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	ready  readinessChecker
	guard  *grpcGuard
}

// NewGRPCServer builds the server and registers the health service.
func NewGRPCServer(opts GRPCOptions) *GRPCServer {
	if opts.Logger == nil {
		opts.Logger = obs.Logger()
	}
	if opts.Ready == nil {
		opts.Ready = ReadyProbe{}
	}
	if opts.Rules == nil {
		opts.Rules = DefaultMethodRules()
	}
	guard := &grpcGuard{verifier: opts.Verifier, authz: opts.Authorizer, rules: opts.Rules, log: opts.Logger}
	s := &GRPCServer{
		server: grpc.NewServer(
			grpc.ChainUnaryInterceptor(guard.Unary),
			grpc.ChainStreamInterceptor(guard.Stream),
		),
		health: health.NewServer(),
		ready:  opts.Ready,
		guard:  guard,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

// Server exposes the underlying grpc.Server for registering additional services.
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// Refresh publishes the readiness check result as the health status of the
// overall server and of serviceName.
func (s *GRPCServer) Refresh(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.ready.Check(ctx); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

// Serve blocks serving lis until Stop or GracefulStop.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.Refresh(context.Background())
	return s.server.Serve(lis)
}

// GracefulStop marks the server as not serving and drains in-flight calls.
func (s *GRPCServer) GracefulStop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

type grpcGuard struct {
	verifier identity.Verifier
	authz    *Authorizer
	rules    map[string]MethodRule
	log      logrus.FieldLogger
}

func (g *grpcGuard) Unary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, err := g.authorize(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

func (g *grpcGuard) Stream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := g.authorize(ss.Context(), info.FullMethod)
	if err != nil {
		return err
	}
	return handler(srv, &guardedStream{ServerStream: ss, ctx: ctx})
}

// authorize applies the method's rule and returns a context carrying the caller's
// claims and snapshot.
func (g *grpcGuard) authorize(ctx context.Context, method string) (context.Context, error) {
	rule, ok := g.rules[method]
	if ok && rule.Public {
		return ctx, nil
	}
	log := g.log.WithField("method", method)
	if !ok {
		obs.ObserveDecision("grpc", "deny")
		log.Warn("grpc method has no authorization rule")
		return nil, status.Error(codes.PermissionDenied, "method not permitted")
	}
	if g.verifier == nil || g.authz == nil {
		obs.ObserveDecision("grpc", "error")
		return nil, status.Error(codes.Internal, "Permission check failed")
	}

	token, err := bearerFromMetadata(ctx)
	if err != nil {
		obs.ObserveDecision("grpc", "unauthenticated")
		return nil, status.Error(codes.Unauthenticated, "Authentication required")
	}
	claims, err := g.verifier.Verify(ctx, token)
	if err != nil {
		obs.ObserveDecision("grpc", "unauthenticated")
		return nil, status.Error(codes.Unauthenticated, "Invalid token")
	}
	ctx = identity.ContextWithClaims(ctx, claims)

	snap, subject, st, err := g.authz.resolve(ctx)
	log = log.WithField("subject", subject)
	switch st {
	case resolveUnauthenticated:
		obs.ObserveDecision("grpc", "unauthenticated")
		return nil, status.Error(codes.Unauthenticated, "Authentication required")
	case resolveNotFound:
		obs.ObserveDecision("grpc", "principal_not_found")
		return nil, status.Error(codes.PermissionDenied, auth.ReasonUserNotFound)
	case resolveFailed:
		obs.ObserveDecision("grpc", "error")
		log.WithError(err).Error("authorization resolution failed")
		return nil, status.Error(codes.Internal, "Permission check failed")
	}

	var decision auth.Decision
	if len(rule.Roles) > 0 {
		decision = auth.AuthorizeRole(snap, rule.Roles...)
	} else {
		decision = auth.Authorize(snap, rule.Permission.Resource, rule.Permission.Action)
	}
	if !decision.Allowed {
		obs.ObserveDecision("grpc", "deny")
		log.WithField("reason", decision.Reason).Info("grpc call denied")
		return nil, status.Error(codes.PermissionDenied, decision.Reason)
	}
	obs.ObserveDecision("grpc", "allow")
	return auth.ContextWithSnapshot(ctx, snap), nil
}

var errNoMetadata = errors.New("missing metadata")

func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errNoMetadata
	}
	values := md.Get(strings.ToLower(authHeader))
	if len(values) == 0 {
		return "", errNoBearer
	}
	return extractBearerToken(values[0])
}

type guardedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *guardedStream) Context() context.Context { return s.ctx }
