package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/fleetcam/vms/internal/verr"
)

type contextKey string

const principalKey contextKey = "principal"

// Authenticator issues and verifies bearer tokens. Token auth is
// stateless; there is no session table to revoke against.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	users  map[string]string
}

// NewAuthenticator creates an authenticator. users maps principal
// names to shared secrets for the token endpoint.
func NewAuthenticator(secret string, ttl time.Duration, users map[string]string) *Authenticator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, users: users}
}

// Enabled reports whether token auth is configured at all. With no
// secret the API runs open, which suits a single-box deployment behind
// a trusted network.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

// IssueToken mints a signed token for a principal.
func (a *Authenticator) IssueToken(principal string) (string, time.Time, error) {
	expires := time.Now().Add(a.ttl)
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, verr.Wrap(verr.KindInternal, err, "sign token")
	}
	return signed, expires, nil
}

// VerifyToken validates a token and returns its principal.
func (a *Authenticator) VerifyToken(raw string) (string, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, verr.New(verr.KindUnauthenticated, "unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return "", verr.New(verr.KindUnauthenticated, "invalid or expired token")
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token. With auth
// disabled it passes everything through as "anonymous".
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), "anonymous")))
			return
		}

		raw := bearerToken(r)
		if raw == "" {
			Errf(w, verr.KindUnauthenticated, "missing bearer token")
			return
		}
		principal, err := a.VerifyToken(raw)
		if err != nil {
			WriteErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// bearerToken extracts the token from the Authorization header or the
// access_token query parameter. The query form exists for video
// elements that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func withPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// Principal returns the authenticated principal, or "anonymous".
func Principal(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey).(string); ok && p != "" {
		return p
	}
	return "anonymous"
}

// handleToken exchanges credentials for a bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Enabled() {
		Errf(w, verr.KindValidation, "token auth is not configured")
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Errf(w, verr.KindValidation, "invalid request body")
		return
	}

	want, ok := s.auth.users[req.Username]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(req.Password)) != 1 {
		Errf(w, verr.KindUnauthenticated, "invalid credentials")
		return
	}

	token, expires, err := s.auth.IssueToken(req.Username)
	if err != nil {
		WriteErr(w, err)
		return
	}
	OK(w, map[string]interface{}{
		"token":      token,
		"expires_at": expires.UTC(),
	})
}
