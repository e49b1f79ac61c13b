// Package auth checks JWT bearer tokens on the write endpoints of the API.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/metrics"
)

type contextKey string

const claimsContextKey contextKey = "claims"

const issuer = "dweb-transports"

// ErrNoSecret is returned when tokens are requested without a signing secret.
var ErrNoSecret = errors.New("no jwt secret configured")

// Claims holds JWT token claims. Subject names the caller; it becomes the
// owner of lists and tables the caller creates.
type Claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Auth validates tokens signed with a shared HMAC secret. The zero secret
// disables checking.
type Auth struct {
	secret []byte
}

// New creates an Auth. An empty secret lets every request through.
func New(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// Enabled reports whether requests are checked.
func (a *Auth) Enabled() bool {
	return len(a.secret) > 0
}

// Middleware rejects requests without a valid token and stores the claims in
// the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.validateToken(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.WithContext(r.Context()).Debug("rejected token", zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireAdmin is Middleware that also demands the admin claim.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Enabled() {
			claims := GetClaims(r.Context())
			if claims == nil || !claims.Admin {
				sendAuthError(w, http.StatusForbidden, "admin token required")
				return
			}
		}
		next.ServeHTTP(w, r)
	}))
}

// IssueToken signs a token for subject valid for ttl.
func (a *Auth) IssueToken(subject string, admin bool, ttl time.Duration) (string, time.Time, error) {
	if !a.Enabled() {
		return "", time.Time{}, ErrNoSecret
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, expiresAt, nil
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// Subject returns the token subject of the request, or "" without a token.
func Subject(ctx context.Context) string {
	if c := GetClaims(ctx); c != nil {
		return c.Subject
	}
	return ""
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Query parameter fallback, for EventSource clients
	return r.URL.Query().Get("token")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}
