package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/devplatform/wiki-auth/internal/session"
	"github.com/sirupsen/logrus"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// ContextKeyToken is the context key for the raw bearer token
	ContextKeyToken contextKey = "session_token"
	// ContextKeySession is the context key for the validated session
	ContextKeySession contextKey = "session"
)

// SessionValidator resolves a bearer token to its live session
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*session.Session, error)
}

// Middleware handles bearer token extraction and session lookup
type Middleware struct {
	sessions SessionValidator
	logger   *logrus.Logger
}

// NewMiddleware creates a new auth middleware
func NewMiddleware(sessions SessionValidator, logger *logrus.Logger) *Middleware {
	return &Middleware{
		sessions: sessions,
		logger:   logger,
	}
}

// ExtractToken puts the bearer token and, when it is valid, its session into
// the request context. Requests without a token continue anonymously since
// login itself needs no token.
func (m *Middleware) ExtractToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			m.logger.Warn("Invalid Authorization header format")
			http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
			return
		}

		token := parts[1]
		ctx := context.WithValue(r.Context(), ContextKeyToken, token)

		s, err := m.sessions.Validate(ctx, token)
		if err != nil {
			// resolvers that need a principal report the missing session themselves
			m.logger.WithError(err).Debug("Bearer token rejected")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		m.logger.WithFields(logrus.Fields{
			"principal":  s.Principal,
			"session_id": s.ID,
		}).Debug("Request authenticated by session")

		ctx = context.WithValue(ctx, ContextKeySession, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTokenFromContext extracts the bearer token from the request context
func GetTokenFromContext(ctx context.Context) string {
	if token, ok := ctx.Value(ContextKeyToken).(string); ok {
		return token
	}
	return ""
}

// GetSessionFromContext returns the validated session, or nil
func GetSessionFromContext(ctx context.Context) *session.Session {
	if s, ok := ctx.Value(ContextKeySession).(*session.Session); ok {
		return s
	}
	return nil
}
