package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// TokenConfig controls bearer-token validation for dashboard style callers.
// Server-to-server merchant calls use the HMAC scheme in gateway/auth instead.
type TokenConfig struct {
	Enabled     bool
	Secret      string
	Issuer      string
	Audience    string
	ScopeClaim  string
	ExemptPaths []string
	ClockSkew   time.Duration
}

type contextKey string

const (
	// ContextKeyToken holds the raw bearer token of an authenticated request.
	ContextKeyToken contextKey = "gateway.token"
	// ContextKeyScopes holds the scopes granted to the request.
	ContextKeyScopes contextKey = "gateway.scopes"
)

// TokenAuth validates HMAC-signed JWTs on incoming requests.
type TokenAuth struct {
	cfg    TokenConfig
	log    *slog.Logger
	secret []byte
}

func NewTokenAuth(cfg TokenConfig, log *slog.Logger) *TokenAuth {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &TokenAuth{
		cfg:    cfg,
		log:    log,
		secret: []byte(strings.TrimSpace(cfg.Secret)),
	}
}

// Middleware enforces a valid token carrying all required scopes.
func (a *TokenAuth) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled || a.isExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			raw := bearerToken(r.Header.Get("Authorization"))
			if raw == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := a.parse(raw)
			if err != nil {
				a.log.Warn("gateway token rejected", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			scopes := scopesFromClaims(claims, a.cfg.ScopeClaim)
			if !hasAll(scopes, requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyToken, raw)
			ctx = context.WithValue(ctx, ContextKeyScopes, scopes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *TokenAuth) isExempt(path string) bool {
	for _, prefix := range a.cfg.ExemptPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (a *TokenAuth) parse(raw string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("token secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected claims type")
	}
	return claims, nil
}

func scopesFromClaims(claims jwt.MapClaims, claim string) []string {
	raw, ok := claims[claim]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func hasAll(scopes, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
