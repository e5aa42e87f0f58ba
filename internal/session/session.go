// Package session issues and validates login sessions.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/devplatform/wiki-auth/internal/models"
)

var (
	// ErrSessionNotFound is returned when a session expired or was revoked
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidToken is returned for tokens that fail signature or claim checks
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned when the token's exp claim has passed
	ErrExpiredToken = errors.New("token has expired")
)

// Session is the server-side record behind a token
type Session struct {
	ID        string    `json:"id"`
	Principal string    `json:"principal"`
	Wiki      string    `json:"wiki"`
	FullName  string    `json:"fullName"`
	Groups    []string  `json:"groups"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ToPrincipal rebuilds the principal the session was issued for
func (s *Session) ToPrincipal() *models.Principal {
	groups := s.Groups
	if groups == nil {
		groups = []string{}
	}
	return &models.Principal{
		Name:     s.Principal,
		Wiki:     s.Wiki,
		FullName: s.FullName,
		Groups:   groups,
		Source:   s.Source,
	}
}

// Store defines how sessions are stored and retrieved.
type Store interface {
	// Put stores the session until ttl elapses
	Put(ctx context.Context, s *Session, ttl time.Duration) error
	// Get returns ErrSessionNotFound when the session is absent
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
