// Package config loads runtime configuration from IMAIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "IMAIL"

// Config holds runtime configuration for the API server.
type Config struct {
	Env             string        `envconfig:"ENV" default:"development"`
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr        string        `envconfig:"GRPC_ADDR" default:""`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	PGDSN string `envconfig:"PG_DSN"`

	AuthzTimeout time.Duration `envconfig:"AUTHZ_TIMEOUT" default:"2s"`
	DefaultRole  string        `envconfig:"DEFAULT_ROLE" default:"Student"`

	OIDCIssuer     string `envconfig:"OIDC_ISSUER"`
	OIDCAudience   string `envconfig:"OIDC_AUDIENCE"`
	DevTokenSecret string `envconfig:"DEV_TOKEN_SECRET"`

	RateBurst      int      `envconfig:"RATE_BURST" default:"20"`
	RatePerSecond  float64  `envconfig:"RATE_PER_SECOND" default:"10"`
	MaxBodyBytes   int64    `envconfig:"MAX_BODY_BYTES" default:"1048576"`
	CORSOrigins    []string `envconfig:"CORS_ORIGINS"`
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES"`
}

// Load reads and validates configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PGDSN) == "" {
		return errors.New("IMAIL_PG_DSN must be provided")
	}
	if c.OIDCIssuer == "" && c.DevTokenSecret == "" {
		return errors.New("either IMAIL_OIDC_ISSUER or IMAIL_DEV_TOKEN_SECRET must be provided")
	}
	if c.IsProduction() && c.OIDCIssuer == "" {
		return errors.New("production requires IMAIL_OIDC_ISSUER")
	}
	if c.AuthzTimeout <= 0 {
		return fmt.Errorf("IMAIL_AUTHZ_TIMEOUT must be positive, got %s", c.AuthzTimeout)
	}
	if c.RatePerSecond <= 0 || c.RateBurst <= 0 {
		return errors.New("rate limit must be positive")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// TrustedProxyPrefixes parses IMAIL_TRUSTED_PROXIES. Entries are CIDR prefixes or
// single addresses.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("IMAIL_TRUSTED_PROXIES: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("IMAIL_TRUSTED_PROXIES: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// IsProduction returns true when the service runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.Env == "production"
}
