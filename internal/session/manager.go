package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const issuer = "wiki-auth"

// Claims are the JWT claims of a session token. The token ID is the session ID.
type Claims struct {
	jwt.RegisteredClaims
	Wiki string `json:"wiki"`
}

// Manager issues tokens backed by stored sessions
type Manager struct {
	store      Store
	secret     []byte
	expiration time.Duration
	logger     *logrus.Logger
	now        func() time.Time
}

// NewManager creates a session manager signing tokens with secret
func NewManager(store Store, secret string, expiration time.Duration, logger *logrus.Logger) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("session: signing secret is required")
	}
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &Manager{
		store:      store,
		secret:     []byte(secret),
		expiration: expiration,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Issue creates a session for principal and returns its signed token
func (m *Manager) Issue(ctx context.Context, principal *models.Principal) (*models.AuthPayload, error) {
	now := m.now()
	expiresAt := now.Add(m.expiration)

	s := &Session{
		ID:        uuid.New().String(),
		Principal: principal.Name,
		Wiki:      principal.Wiki,
		FullName:  principal.FullName,
		Groups:    principal.Groups,
		Source:    principal.Source,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Issuer:    issuer,
			Subject:   principal.Name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Wiki: principal.Wiki,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	if err := m.store.Put(ctx, s, m.expiration); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"principal":  principal.Name,
		"session_id": s.ID,
		"expires_at": expiresAt,
	}).Debug("Session issued")

	return &models.AuthPayload{
		Token:     token,
		ExpiresAt: expiresAt,
		Principal: principal,
	}, nil
}

// parse checks the signature and registered claims of a token
func (m *Manager) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Validate returns the live session behind a token
func (m *Manager) Validate(ctx context.Context, tokenString string) (*Session, error) {
	claims, err := m.parse(tokenString)
	if err != nil {
		return nil, err
	}

	s, err := m.store.Get(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if s.Principal != claims.Subject {
		return nil, ErrInvalidToken
	}
	return s, nil
}

// Revoke ends the session behind a token. Revoking an already ended session is not an error.
func (m *Manager) Revoke(ctx context.Context, tokenString string) error {
	claims, err := m.parse(tokenString)
	if err != nil {
		return err
	}

	if err := m.store.Delete(ctx, claims.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"principal":  claims.Subject,
		"session_id": claims.ID,
	}).Debug("Session revoked")
	return nil
}

// Close releases the underlying store
func (m *Manager) Close() error {
	return m.store.Close()
}
