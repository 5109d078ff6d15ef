// Package auth guards the admin endpoints (restart, trigger-training) with
// HS256 bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminScope must appear in the token's scope or roles claim.
const AdminScope = "churn:admin"

type Config struct {
	// Secret is the HMAC key. An empty secret disables verification.
	Secret string
	// Issuer, when set, must match the iss claim.
	Issuer string
	Scope  string
}

type Verifier struct {
	secret []byte
	issuer string
	scope  string
}

func NewVerifier(cfg Config) *Verifier {
	scope := cfg.Scope
	if scope == "" {
		scope = AdminScope
	}
	return &Verifier{secret: []byte(cfg.Secret), issuer: cfg.Issuer, scope: scope}
}

// Enabled reports whether tokens are checked at all.
func (v *Verifier) Enabled() bool { return len(v.secret) > 0 }

// VerifyRequest checks the bearer token of r.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	if !v.Enabled() {
		return nil
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return errors.New("authentication required: bearer token")
	}
	return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) error {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid claims")
	}
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			if s == v.scope {
				return nil
			}
		}
		return errors.New("missing required scope")
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == v.scope {
				return nil
			}
		}
		return errors.New("missing required scope in roles")
	}
	return errors.New("missing scope/roles")
}

// Middleware rejects unauthenticated requests with 401.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.VerifyRequest(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="churn"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IssueToken signs an admin token. Used by churnctl and tests.
func IssueToken(cfg Config, subject string, ttl time.Duration) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("secret required")
	}
	scope := cfg.Scope
	if scope == "" {
		scope = AdminScope
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}
