package prometheus

import (
	"context"

	"github.com/devplatform/wiki-auth/internal/models"
)

// DirectoryInterface defines the methods of ldap.Manager used by the service.
// This allows us to wrap the Manager with metrics collection
type DirectoryInterface interface {
	// Verify checks a login and password and returns the directory entry
	Verify(ctx context.Context, login, password string) (*models.DirectoryIdentity, error)

	// FetchAttributes looks up an entry by uid with the service account
	FetchAttributes(ctx context.Context, uid string) (*models.DirectoryIdentity, error)

	// GroupMembers returns the member values of a group
	GroupMembers(ctx context.Context, groupDN string) ([]string, error)

	// HealthCheck performs a health check on the LDAP connection
	HealthCheck(ctx context.Context) error

	// GetStats returns connection pool statistics
	GetStats() *models.Stats
}
