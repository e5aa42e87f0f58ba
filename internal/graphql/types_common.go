package graphql

import (
	"time"

	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/graphql-go/graphql"
)

// defineStatsType defines the Stats GraphQL type
func (s *Schema) defineStatsType() *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: "Stats",
		Fields: graphql.Fields{
			"poolSize":      &graphql.Field{Type: graphql.Int},
			"available":     &graphql.Field{Type: graphql.Int},
			"inUse":         &graphql.Field{Type: graphql.Int},
			"totalRequests": &graphql.Field{Type: graphql.Int},
		},
	})
}

// defineHealthType defines the Health GraphQL type
func (s *Schema) defineHealthType() *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: "Health",
		Fields: graphql.Fields{
			"status":    &graphql.Field{Type: graphql.String},
			"timestamp": &graphql.Field{Type: graphql.String},
			"ldap":      &graphql.Field{Type: graphql.Boolean},
			"store":     &graphql.Field{Type: graphql.Boolean},
		},
	})
}

// ============================================================================
// COMMON RESOLVERS (Health, Stats)
// ============================================================================

func (s *Schema) resolveHealth(p graphql.ResolveParams) (interface{}, error) {
	// a disabled directory counts as healthy
	ldapHealthy := s.directory == nil || s.directory.HealthCheck(p.Context) == nil
	storeHealthy := s.store.Ping(p.Context) == nil

	status := "healthy"
	if !ldapHealthy || !storeHealthy {
		status = "unhealthy"
	}

	return &models.HealthStatus{
		Status:    status,
		Timestamp: time.Now().Unix(),
		LDAP:      ldapHealthy,
		Store:     storeHealthy,
	}, nil
}

func (s *Schema) resolveStats(p graphql.ResolveParams) (interface{}, error) {
	if s.directory == nil {
		return &models.Stats{}, nil
	}
	return s.directory.GetStats(), nil
}
