package graphql

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/devplatform/wiki-auth/internal/auth"
	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/devplatform/wiki-auth/internal/profile"
	"github.com/graphql-go/graphql"
)

// profileView is the API shape of a stored profile. Password fields never leave the service.
type profileView struct {
	Wiki      string       `json:"wiki"`
	FullName  string       `json:"fullName"`
	PageName  string       `json:"pageName"`
	LDAPDN    string       `json:"ldapDn"`
	LDAPUID   string       `json:"ldapUid"`
	Fields    []fieldValue `json:"fields"`
	CreatedAt string       `json:"createdAt"`
	UpdatedAt string       `json:"updatedAt"`
}

type fieldValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// defineProfileType defines the Profile GraphQL type
func (s *Schema) defineProfileType() *graphql.Object {
	fieldType := graphql.NewObject(graphql.ObjectConfig{
		Name: "ProfileField",
		Fields: graphql.Fields{
			"name":  &graphql.Field{Type: graphql.String},
			"value": &graphql.Field{Type: graphql.String},
		},
	})

	return graphql.NewObject(graphql.ObjectConfig{
		Name: "Profile",
		Fields: graphql.Fields{
			"wiki":      &graphql.Field{Type: graphql.String},
			"fullName":  &graphql.Field{Type: graphql.String},
			"pageName":  &graphql.Field{Type: graphql.String},
			"ldapDn":    &graphql.Field{Type: graphql.String},
			"ldapUid":   &graphql.Field{Type: graphql.String},
			"fields":    &graphql.Field{Type: graphql.NewList(fieldType), Description: "User object fields"},
			"createdAt": &graphql.Field{Type: graphql.String},
			"updatedAt": &graphql.Field{Type: graphql.String},
		},
	})
}

// ============================================================================
// PROFILE RESOLVERS
// ============================================================================

func (s *Schema) resolveProfile(p graphql.ResolveParams) (interface{}, error) {
	sess := auth.GetSessionFromContext(p.Context)
	if sess == nil {
		return nil, errUnauthorized
	}

	name, _ := p.Args["name"].(string)
	wiki, _ := p.Args["wiki"].(string)
	if wiki == "" {
		wiki = sess.Wiki
	}
	if !strings.Contains(name, ".") {
		name = s.config.UserFullName(name)
	}

	doc, err := s.store.Get(p.Context, wiki, name)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logger.WithError(err).WithField("full_name", name).Error("Failed to load profile")
		return nil, errInternal
	}

	return toProfileView(doc), nil
}

func toProfileView(doc *models.UserProfile) *profileView {
	view := &profileView{
		Wiki:      doc.Wiki,
		FullName:  doc.FullName,
		PageName:  doc.PageName(),
		LDAPDN:    doc.LDAPDN(),
		LDAPUID:   doc.LDAPUID(),
		Fields:    []fieldValue{},
		CreatedAt: doc.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: doc.UpdatedAt.UTC().Format(time.RFC3339),
	}

	if user := doc.Object(models.UserClassName); user != nil {
		for name, value := range user.Fields {
			if name == models.PasswordField {
				continue
			}
			view.Fields = append(view.Fields, fieldValue{Name: name, Value: value})
		}
		sort.Slice(view.Fields, func(i, j int) bool { return view.Fields[i].Name < view.Fields[j].Name })
	}
	return view
}
