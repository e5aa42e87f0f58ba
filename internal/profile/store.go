// Package profile stores wiki user profile documents.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/devplatform/wiki-auth/internal/config"
	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned by Get when no document has the given name
	ErrNotFound = errors.New("profile not found")

	// ErrAlreadyExists is returned by Create when the name is taken
	ErrAlreadyExists = errors.New("profile already exists")
)

// Filter selects documents carrying an object of ClassName. With Field set,
// the object's field must equal Value; IgnoreCase compares lower-cased values.
type Filter struct {
	ClassName  string
	Field      string
	Value      string
	IgnoreCase bool
}

// Matches applies the filter to a single profile
func (f Filter) Matches(p *models.UserProfile) bool {
	obj := p.Object(f.ClassName)
	if obj == nil {
		return false
	}
	if f.Field == "" {
		return true
	}
	v, ok := obj.Fields[f.Field]
	if !ok {
		return false
	}
	if f.IgnoreCase {
		return strings.ToLower(v) == strings.ToLower(f.Value)
	}
	return v == f.Value
}

// Store persists user profiles per wiki.
type Store interface {
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, wiki, fullName string) (*models.UserProfile, error)
	Exists(ctx context.Context, wiki, fullName string) (bool, error)
	// Create fails with ErrAlreadyExists instead of overwriting.
	Create(ctx context.Context, p *models.UserProfile) error
	// Save inserts or replaces the document and all its objects.
	Save(ctx context.Context, p *models.UserProfile) error
	// Search returns matches ordered by full name.
	Search(ctx context.Context, wiki string, f Filter) ([]*models.UserProfile, error)
	Wikis(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	TypeMemory   = "memory"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeBadger   = "badger"
)

// Open creates the store selected by STORE_TYPE
func Open(cfg *config.Config, logger *logrus.Logger) (Store, error) {
	logger.WithField("type", cfg.StoreType).Info("Opening profile store")

	switch cfg.StoreType {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeSQLite:
		return NewGORMStore(&GORMConfig{Type: TypeSQLite, SQLitePath: cfg.SQLitePath})
	case TypePostgres:
		return NewGORMStore(&GORMConfig{Type: TypePostgres, PostgresDSN: cfg.PostgresDSN})
	case TypeBadger:
		return NewBadgerStore(cfg.BadgerPath)
	default:
		return nil, &config.ConfigurationError{
			Key: "STORE_TYPE",
			Err: fmt.Errorf("unsupported store type %q", cfg.StoreType),
		}
	}
}

func sortByFullName(profiles []*models.UserProfile) {
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].FullName < profiles[j].FullName
	})
}
