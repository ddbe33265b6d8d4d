package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"imail.app/internal/auth"
	"imail.app/internal/config"
	"imail.app/internal/httpapi"
	"imail.app/internal/identity"
	"imail.app/internal/obs"
	"imail.app/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("imail-api stopped with error")
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.Ping(pingCtx)
	cancel()
	if err != nil {
		log.WithError(err).Warn("database not reachable at startup; readiness will report it")
	}

	verifier, userinfo, err := buildVerifier(ctx, cfg, log)
	if err != nil {
		return err
	}

	svc, err := auth.NewService(store,
		auth.WithDefaultRole(cfg.DefaultRole),
		auth.WithLogger(log),
	)
	if err != nil {
		return err
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	ready := httpapi.ReadyProbe{DB: store.DB()}
	api, err := httpapi.New(httpapi.Options{
		Version:        version,
		Service:        svc,
		Verifier:       verifier,
		UserInfo:       userinfo,
		Ready:          ready,
		AuthzTimeout:   cfg.AuthzTimeout,
		RateBurst:      cfg.RateBurst,
		RatePerSecond:  cfg.RatePerSecond,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: proxies,
		Production:     cfg.IsProduction(),
		Logger:         log,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	var (
		grpcSrv *httpapi.GRPCServer
		grpcLis net.Listener
	)
	if cfg.GRPCAddr != "" {
		grpcSrv = httpapi.NewGRPCServer(httpapi.GRPCOptions{
			Verifier:   verifier,
			Authorizer: api.Authorizer(),
			Ready:      ready,
			Logger:     log,
		})
		if grpcLis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"version": version, "addr": srv.Addr}).Info("starting imail-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcSrv != nil {
		g.Go(func() error {
			log.WithField("addr", cfg.GRPCAddr).Info("starting grpc health endpoint")
			return grpcSrv.Serve(grpcLis)
		})
		g.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					grpcSrv.Refresh(gctx)
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildVerifier prefers the OIDC issuer and falls back to locally signed development
// tokens, which are refused in production by config validation.
func buildVerifier(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (identity.Verifier, httpapi.UserInfoFetcher, error) {
	if cfg.OIDCIssuer != "" {
		v, err := identity.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCAudience)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("issuer", cfg.OIDCIssuer).Info("verifying OIDC tokens")
		return v, v, nil
	}
	v, err := identity.NewHS256Verifier(cfg.DevTokenSecret)
	if err != nil {
		return nil, nil, err
	}
	log.Warn("verifying development HS256 tokens")
	return v, nil, nil
}
