// Package requestid issues and carries per-request correlation identifiers.
package requestid

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

const Header = "X-Request-Id"

type ctxKey struct{}

// New returns a random identifier suitable for the X-Request-Id header.
func New() string {
	return uuid.NewString()
}

// Normalize keeps caller-supplied ids that look sane and replaces anything else.
func Normalize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > 128 || strings.ContainsAny(id, " \t\r\n") {
		return New()
	}
	return id
}

func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}
