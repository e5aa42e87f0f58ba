package ldap

import "errors"

var (
	// ErrInvalidCredentials is returned when the directory rejects a login
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUserNotFound is returned when no entry matches a uid
	ErrUserNotFound = errors.New("user not found")

	// ErrGroupNotFound is returned when a group DN does not exist
	ErrGroupNotFound = errors.New("group not found")

	// ErrUnavailable wraps transport and server failures
	ErrUnavailable = errors.New("directory unavailable")

	// ErrPoolClosed is returned once Close has been called
	ErrPoolClosed = errors.New("connection pool is closed")
)
