package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coughsense/coughsense-go/internal/platform/env"
)

// Mode selects how callers are identified. The invoker sits behind an external
// gatekeeper, so the production modes only verify what that gatekeeper asserts.
type Mode string

const (
	ModeGateway Mode = "gateway"
	ModeOIDC    Mode = "oidc"
	ModeDev     Mode = "dev"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	GatewaySecret  string
	GatewayMaxSkew time.Duration

	OIDCIssuerURL string
	OIDCClientID  string
	RolesClaim    string

	DevSubject string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	skew, err := env.Duration("COUGHSENSE_AUTH_GATEWAY_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Mode:           Mode(strings.ToLower(strings.TrimSpace(env.String("COUGHSENSE_AUTH_MODE", string(ModeGateway))))),
		GatewaySecret:  env.String("COUGHSENSE_AUTH_GATEWAY_SECRET", ""),
		GatewayMaxSkew: skew,
		OIDCIssuerURL:  env.String("COUGHSENSE_OIDC_ISSUER_URL", ""),
		OIDCClientID:   env.String("COUGHSENSE_OIDC_CLIENT_ID", ""),
		RolesClaim:     env.String("COUGHSENSE_OIDC_ROLES_CLAIM", "roles"),
		DevSubject:     env.String("COUGHSENSE_DEV_AUTH_SUBJECT", "dev-user"),
		DevRoles:       normalizeRoles(env.CSV("COUGHSENSE_DEV_AUTH_ROLES", []string{RoleAdmin})),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeGateway:
		if strings.TrimSpace(c.GatewaySecret) == "" {
			return errors.New("COUGHSENSE_AUTH_GATEWAY_SECRET is required when COUGHSENSE_AUTH_MODE=gateway")
		}
		if c.GatewayMaxSkew < 0 {
			return errors.New("COUGHSENSE_AUTH_GATEWAY_MAX_SKEW must be >= 0")
		}
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("COUGHSENSE_OIDC_ISSUER_URL is required when COUGHSENSE_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("COUGHSENSE_OIDC_CLIENT_ID is required when COUGHSENSE_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.RolesClaim) == "" {
			return errors.New("COUGHSENSE_OIDC_ROLES_CLAIM is required")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" || len(c.DevRoles) == 0 {
			return errors.New("dev auth requires a subject and at least one role")
		}
	default:
		return fmt.Errorf("COUGHSENSE_AUTH_MODE must be one of: gateway, oidc, dev (got %q)", c.Mode)
	}
	return nil
}

func normalizeRoles(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
