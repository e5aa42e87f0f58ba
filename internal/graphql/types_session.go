package graphql

import (
	"errors"

	"github.com/devplatform/wiki-auth/internal/auth"
	"github.com/devplatform/wiki-auth/internal/prometheus"
	"github.com/graphql-go/graphql"
	"github.com/sirupsen/logrus"
)

var (
	errAuthenticationFailed = errors.New("authentication failed")
	errInternal             = errors.New("internal error")
	errUnauthorized         = errors.New("unauthorized")
)

// definePrincipalType defines the Principal GraphQL type
func (s *Schema) definePrincipalType() *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: "Principal",
		Fields: graphql.Fields{
			"name":     &graphql.Field{Type: graphql.String, Description: "wiki:Space.Page"},
			"wiki":     &graphql.Field{Type: graphql.String},
			"fullName": &graphql.Field{Type: graphql.String},
			"groups":   &graphql.Field{Type: graphql.NewList(graphql.String)},
			"source":   &graphql.Field{Type: graphql.String, Description: "ldap or local"},
		},
	})
}

// defineAuthPayloadType defines the AuthPayload GraphQL type
func (s *Schema) defineAuthPayloadType(principalType *graphql.Object) *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: "AuthPayload",
		Fields: graphql.Fields{
			"token":     &graphql.Field{Type: graphql.String},
			"expiresAt": &graphql.Field{Type: graphql.DateTime},
			"principal": &graphql.Field{Type: principalType},
		},
	})
}

// ============================================================================
// SESSION RESOLVERS (login, logout, me)
// ============================================================================

func (s *Schema) resolveLogin(p graphql.ResolveParams) (interface{}, error) {
	login, _ := p.Args["login"].(string)
	password, _ := p.Args["password"].(string)
	wiki, _ := p.Args["wiki"].(string)

	principal, err := s.auth.Authenticate(p.Context, login, password, wiki)
	if err != nil {
		return nil, s.publicError(login, err)
	}

	payload, err := s.sessions.Issue(p.Context, principal)
	if err != nil {
		s.logger.WithError(err).WithField("principal", principal.Name).Error("Failed to issue session")
		return nil, errInternal
	}

	prometheus.SessionsIssuedTotal.Inc()
	return payload, nil
}

func (s *Schema) resolveLogout(p graphql.ResolveParams) (interface{}, error) {
	token := auth.GetTokenFromContext(p.Context)
	if token == "" {
		return nil, errUnauthorized
	}

	if err := s.sessions.Revoke(p.Context, token); err != nil {
		s.logger.WithError(err).Debug("Logout with unusable token")
		return nil, errUnauthorized
	}

	prometheus.SessionsRevokedTotal.Inc()
	return true, nil
}

func (s *Schema) resolveMe(p graphql.ResolveParams) (interface{}, error) {
	sess := auth.GetSessionFromContext(p.Context)
	if sess == nil {
		return nil, errUnauthorized
	}
	return sess.ToPrincipal(), nil
}

// publicError hides the cause of a failed login from API clients
func (s *Schema) publicError(login string, err error) error {
	fields := logrus.Fields{"login": login}

	var authErr *auth.AuthenticationError
	if errors.As(err, &authErr) {
		if errors.Is(err, auth.ErrDirectoryUnavailable) {
			s.logger.WithError(err).WithFields(fields).Warn("Login failed, directory unavailable")
		} else {
			s.logger.WithFields(fields).Info("Login rejected")
		}
		return errAuthenticationFailed
	}

	var storageErr *auth.StorageError
	if errors.As(err, &storageErr) {
		s.logger.WithError(err).WithFields(fields).Error("Login failed on profile store")
		return errInternal
	}

	s.logger.WithError(err).WithFields(fields).Error("Login failed")
	return errInternal
}
