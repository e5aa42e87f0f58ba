package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is wrapped when the directory or the local store rejects a login
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrDirectoryUnavailable is wrapped when the directory cannot be reached or fails
	ErrDirectoryUnavailable = errors.New("directory unavailable")
)

// AuthenticationError reports a failed credential check. Err wraps
// ErrInvalidCredentials or ErrDirectoryUnavailable.
type AuthenticationError struct {
	Login string
	Err   error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %q: %v", e.Login, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// StorageError reports a profile store failure during authentication
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("profile store %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
