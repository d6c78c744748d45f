package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coughsense/coughsense-go/internal/platform/requestid"
)

const (
	HeaderSubject   = "X-Coughsense-Subject"
	HeaderRoles     = "X-Coughsense-Roles"
	HeaderTimestamp = "X-Coughsense-Auth-Ts"
	HeaderSignature = "X-Coughsense-Auth-Sig"
)

// GatewayAuthenticator trusts identity headers stamped by the upstream
// gatekeeper, provided they carry a fresh HMAC over the request line.
type GatewayAuthenticator struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

func NewGatewayAuthenticator(cfg Config) (*GatewayAuthenticator, error) {
	if strings.TrimSpace(cfg.GatewaySecret) == "" {
		return nil, errors.New("gateway secret is required")
	}
	return &GatewayAuthenticator{Secret: cfg.GatewaySecret, MaxSkew: cfg.GatewayMaxSkew}, nil
}

func (a *GatewayAuthenticator) Authenticate(_ context.Context, r *http.Request) (Identity, error) {
	subject := strings.TrimSpace(r.Header.Get(HeaderSubject))
	ts := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if subject == "" || ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}
	roles := strings.TrimSpace(r.Header.Get(HeaderRoles))

	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	if err := VerifyTimestamp(ts, now().UTC(), a.MaxSkew); err != nil {
		return Identity{}, err
	}
	expected, err := Sign(a.Secret, ts, r.Method, r.URL.Path, r.Header.Get(requestid.Header), subject, roles)
	if err != nil {
		return Identity{}, err
	}
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return Identity{}, errors.New("invalid signature")
	}
	return Identity{Subject: subject, Roles: normalizeRoles(strings.Split(roles, ","))}, nil
}

// Sign computes the signature the gatekeeper attaches. Exported for the CLI
// and for tests that impersonate the gatekeeper.
func Sign(secret, ts, method, path, requestID, subject, roles string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("gateway secret is required")
	}
	canonical := strings.Join([]string{
		strings.TrimSpace(ts),
		strings.ToUpper(strings.TrimSpace(method)),
		strings.TrimSpace(path),
		strings.TrimSpace(requestID),
		strings.TrimSpace(subject),
		strings.TrimSpace(roles),
	}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func VerifyTimestamp(ts string, now time.Time, maxSkew time.Duration) error {
	secs, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	if maxSkew <= 0 {
		return nil
	}
	at := time.Unix(secs, 0).UTC()
	if at.After(now.Add(maxSkew)) || at.Before(now.Add(-maxSkew)) {
		return errors.New("timestamp outside allowed skew")
	}
	return nil
}
