// Package identity resolves the operator behind a request.
//
// Authentication happens upstream; the fronting gateway forwards the
// operator id and organizational scope as headers.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/safeops/internal/domain"
)

const (
	OperatorHeaderName = "X-Operator-ID"
	ScopeHeaderName    = "X-Scope-Key"
)

type contextKey int

const operatorKey contextKey = iota

var (
	operatorIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,128}$`)
	scopeKeyPattern   = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,128}$`)
)

// OperatorFromContext extracts the operator from the request context.
func OperatorFromContext(ctx context.Context) domain.Operator {
	if v, ok := ctx.Value(operatorKey).(domain.Operator); ok {
		return v
	}
	return domain.Operator{}
}

// WithOperator returns a copy of ctx carrying op.
func WithOperator(ctx context.Context, op domain.Operator) context.Context {
	return context.WithValue(ctx, operatorKey, op)
}

func sanitize(value string, pattern *regexp.Regexp) string {
	value = strings.TrimSpace(value)
	if value == "" || !pattern.MatchString(value) {
		return ""
	}
	return value
}

// operatorFromRequest reads the headers, falling back to query parameters for
// clients that cannot set headers (browser WebSockets).
func operatorFromRequest(r *http.Request) domain.Operator {
	id := r.Header.Get(OperatorHeaderName)
	if id == "" {
		id = r.URL.Query().Get("operator_id")
	}
	scope := r.Header.Get(ScopeHeaderName)
	if scope == "" {
		scope = r.URL.Query().Get("scope_key")
	}
	return domain.Operator{
		ID:       sanitize(id, operatorIDPattern),
		ScopeKey: sanitize(scope, scopeKeyPattern),
	}
}

// Middleware injects the operator into the request context. When required is
// true, requests without a valid operator id are rejected.
func Middleware(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := operatorFromRequest(r)
			if required && op.IsAnonymous() {
				http.Error(w, `{"error":"missing operator identity"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), op)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
