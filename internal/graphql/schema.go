package graphql

import (
	"context"

	"github.com/devplatform/wiki-auth/internal/config"
	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/devplatform/wiki-auth/internal/profile"
	"github.com/devplatform/wiki-auth/internal/prometheus"
	"github.com/graphql-go/graphql"
	"github.com/sirupsen/logrus"
)

// Authenticator verifies a login for a wiki
type Authenticator interface {
	Authenticate(ctx context.Context, login, password, wiki string) (*models.Principal, error)
}

// SessionManager issues and revokes session tokens
type SessionManager interface {
	Issue(ctx context.Context, principal *models.Principal) (*models.AuthPayload, error)
	Revoke(ctx context.Context, token string) error
}

// Schema represents the GraphQL schema
type Schema struct {
	schema    graphql.Schema
	auth      Authenticator
	sessions  SessionManager
	directory prometheus.DirectoryInterface
	store     profile.Store
	config    *config.Config
	logger    *logrus.Logger
}

// NewSchema creates a new GraphQL schema. directory may be nil when LDAP is disabled.
func NewSchema(
	auth Authenticator,
	sessions SessionManager,
	directory prometheus.DirectoryInterface,
	store profile.Store,
	cfg *config.Config,
	logger *logrus.Logger,
) *Schema {
	s := &Schema{
		auth:      auth,
		sessions:  sessions,
		directory: directory,
		store:     store,
		config:    cfg,
		logger:    logger,
	}

	// Define types
	principalType := s.definePrincipalType()
	authPayloadType := s.defineAuthPayloadType(principalType)
	profileType := s.defineProfileType()
	statsType := s.defineStatsType()
	healthType := s.defineHealthType()

	// Define root query
	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"me": &graphql.Field{
				Type:        principalType,
				Description: "Principal of the bearer token",
				Resolve:     s.resolveMe,
			},
			"profile": &graphql.Field{
				Type: profileType,
				Args: graphql.FieldConfigArgument{
					"name": &graphql.ArgumentConfig{
						Type:        graphql.NewNonNull(graphql.String),
						Description: "Profile page name or full name (XWiki.jobloggs)",
					},
					"wiki": &graphql.ArgumentConfig{
						Type:        graphql.String,
						Description: "Wiki of the profile (default: the caller's wiki)",
					},
				},
				Resolve: s.resolveProfile,
			},
			"health": &graphql.Field{
				Type:    healthType,
				Resolve: s.resolveHealth,
			},
			"stats": &graphql.Field{
				Type:    statsType,
				Resolve: s.resolveStats,
			},
		},
	})

	// Define root mutation
	mutationType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"login": &graphql.Field{
				Type: authPayloadType,
				Args: graphql.FieldConfigArgument{
					"login": &graphql.ArgumentConfig{
						Type: graphql.NewNonNull(graphql.String),
					},
					"password": &graphql.ArgumentConfig{
						Type: graphql.NewNonNull(graphql.String),
					},
					"wiki": &graphql.ArgumentConfig{
						Type:        graphql.String,
						Description: "Wiki to log into (default: main wiki)",
					},
				},
				Resolve: s.resolveLogin,
			},
			"logout": &graphql.Field{
				Type:        graphql.Boolean,
				Description: "Revokes the bearer token",
				Resolve:     s.resolveLogout,
			},
		},
	})

	// Create schema
	schemaConfig := graphql.SchemaConfig{
		Query:    queryType,
		Mutation: mutationType,
	}

	schema, err := graphql.NewSchema(schemaConfig)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create schema")
	}

	s.schema = schema
	return s
}

// GetSchema returns the GraphQL schema
func (s *Schema) GetSchema() graphql.Schema {
	return s.schema
}
