// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/model"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// AgentKey is the context key for the authenticated agent.
	AgentKey ContextKey = "agent"
)

// Claims represents the agent JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Name           string `json:"name"`
	OrganizationID string `json:"organization_id"`
}

// Agent converts the claims into the acting agent.
func (c *Claims) Agent() model.Agent {
	return model.Agent{ID: c.Subject, Name: c.Name, OrganizationID: c.OrganizationID}
}

var errMissingToken = errors.New("missing bearer token")

// tokenFromRequest reads the bearer token from the Authorization header, or
// from the token query parameter for EventSource and WebSocket clients that
// cannot set headers.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", errors.New("invalid authorization header format")
		}
		return parts[1], nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", errMissingToken
}

// ParseToken validates an HMAC-signed agent token.
func ParseToken(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.Subject == "" || claims.OrganizationID == "" {
		return nil, errors.New("token is missing subject or organization")
	}
	return claims, nil
}

// IssueToken signs an agent token. Used by tests and local tooling.
func IssueToken(agent model.Agent, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agent.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:           agent.Name,
		OrganizationID: agent.OrganizationID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Auth creates JWT authentication middleware.
func Auth(jwtSecret string, log *logger.Logger) func(http.Handler) http.Handler {
	log = logger.OrGlobal(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := tokenFromRequest(r)
			if err != nil {
				writeAuthError(w, err.Error())
				return
			}

			claims, err := ParseToken(tokenString, jwtSecret)
			if err != nil {
				log.Security("agent token rejected",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err))
				writeAuthError(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), AgentKey, claims.Agent())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `","code":"AUTHENTICATION_FAILURE"}`))
}

// WithAgent returns a context carrying agent.
func WithAgent(ctx context.Context, agent model.Agent) context.Context {
	return context.WithValue(ctx, AgentKey, agent)
}

// GetAgent gets the authenticated agent from context.
func GetAgent(ctx context.Context) (model.Agent, bool) {
	a, ok := ctx.Value(AgentKey).(model.Agent)
	return a, ok
}
