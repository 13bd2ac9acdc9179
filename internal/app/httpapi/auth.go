package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Roles accepted in bearer tokens. API-key callers act as admin.
const (
	RoleClient = "client"
	RoleFinder = "finder"
	RoleAdmin  = "admin"
)

type ctxKey int

const ctxIdentityKey ctxKey = iota

// identity is the authenticated caller for the request.
type identity struct {
	Subject string
	Role    string
}

func identityFrom(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(identity)
	return id, ok
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authenticate resolves the caller from a Bearer JWT or an X-API-Key and
// stores the identity in the request context. Requests with neither are
// rejected; the public routes (healthz, metrics) never pass through here.
func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("X-API-Key"); key != "" {
			if h.cfg.APIKeyHash == "" ||
				bcrypt.CompareHashAndPassword([]byte(h.cfg.APIKeyHash), []byte(key)) != nil {
				writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid api key"))
				return
			}
			ctx := context.WithValue(r.Context(), ctxIdentityKey, identity{Subject: "api-key", Role: RoleAdmin})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing credentials"))
			return
		}

		var claims tokenClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return h.cfg.JWTSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
			return
		}
		if claims.Subject == "" || !validRole(claims.Role) {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token claims"))
			return
		}

		ctx := context.WithValue(r.Context(), ctxIdentityKey, identity{Subject: claims.Subject, Role: claims.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRole(role string) bool {
	switch role {
	case RoleClient, RoleFinder, RoleAdmin:
		return true
	}
	return false
}

// requireRole gates a handler on the caller's role. Admin passes every gate.
func (h *handler) requireRole(role string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("missing credentials"))
			return
		}
		if id.Role != role && id.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, fmt.Errorf("role %s required", role))
			return
		}
		fn(w, r)
	}
}
