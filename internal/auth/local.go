package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/devplatform/wiki-auth/internal/profile"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns the bcrypt hash stored in a user's password field
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// authenticateLocal checks password against the profile named after the
// cleaned login, the same page a directory login provisions
func (a *Authenticator) authenticateLocal(ctx context.Context, login, password, wiki string) (*models.Principal, error) {
	if password == "" {
		return nil, &AuthenticationError{Login: login, Err: ErrInvalidCredentials}
	}

	fullName := a.config.UserFullName(CleanName(login))
	p, err := a.store.Get(ctx, wiki, fullName)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, &AuthenticationError{Login: login, Err: ErrInvalidCredentials}
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}

	hash := p.Object(models.UserClassName).Get(models.PasswordField)
	if hash == "" {
		return nil, &AuthenticationError{Login: login, Err: ErrInvalidCredentials}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, &AuthenticationError{Login: login, Err: ErrInvalidCredentials}
	}

	a.logger.WithFields(logrus.Fields{
		"login":     login,
		"full_name": fullName,
		"wiki":      wiki,
	}).Info("User authenticated against local profile")
	return models.NewPrincipal(wiki, fullName, models.SourceLocal), nil
}

// SetLocalPassword stores a bcrypt hash on a profile, creating a plain user
// profile when the name is free
func SetLocalPassword(ctx context.Context, store profile.Store, wiki, fullName, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	p, err := store.Get(ctx, wiki, fullName)
	if errors.Is(err, profile.ErrNotFound) {
		p = models.NewUserProfile(wiki, fullName)
	} else if err != nil {
		return &StorageError{Op: "get", Err: err}
	}

	p.EnsureObject(models.UserClassName).Set(models.PasswordField, hash)
	if err := store.Save(ctx, p); err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	return nil
}
