package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type authContextKey string

// RequestContext is the tenant identity resolved for an authenticated
// request. Handlers read it instead of re-parsing the token.
type RequestContext struct {
	TeamID string
}

const contextKeyAuth authContextKey = "press-request-context"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking
// the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, RequestContext, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), RequestContext{}, false
	}
	tenant, err := r.teams.Authenticate(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), RequestContext{}, false
	}
	rc := RequestContext{TeamID: tenant.ID}
	ctx := context.WithValue(req.Context(), contextKeyAuth, rc)
	return ctx, rc, true
}

// requestContextFrom extracts the resolved tenant from context.
func requestContextFrom(ctx context.Context) (RequestContext, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return RequestContext{}, false
	}
	rc, ok := value.(RequestContext)
	return rc, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
