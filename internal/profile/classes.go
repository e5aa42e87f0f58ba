package profile

import (
	"sort"
	"sync"

	"github.com/devplatform/wiki-auth/internal/models"
)

// UserClass returns the schema of the object that makes a document a user
func UserClass() *models.ClassSchema {
	return &models.ClassSchema{
		Name: models.UserClassName,
		Fields: []models.FieldDef{
			{Name: "first_name", PrettyName: "First Name", Type: models.FieldTypeText, Size: 30},
			{Name: "last_name", PrettyName: "Last Name", Type: models.FieldTypeText, Size: 30},
			{Name: "email", PrettyName: "e-Mail", Type: models.FieldTypeText, Size: 30},
			{Name: models.PasswordField, PrettyName: "Password", Type: models.FieldTypePassword, Size: 10},
		},
	}
}

// LDAPProfileClass returns the schema of the directory binding object
func LDAPProfileClass() *models.ClassSchema {
	return &models.ClassSchema{
		Name: models.LDAPProfileClassName,
		Fields: []models.FieldDef{
			{Name: models.LDAPFieldDN, PrettyName: "LDAP DN", Type: models.FieldTypeText, Size: 80},
			{Name: models.LDAPFieldUID, PrettyName: "LDAP user unique identifier", Type: models.FieldTypeText, Size: 80},
		},
	}
}

// ClassRegistry holds the class schemas known to the service
type ClassRegistry struct {
	mu      sync.RWMutex
	classes map[string]*models.ClassSchema
}

// NewClassRegistry returns a registry holding the user and LDAP profile classes
func NewClassRegistry() *ClassRegistry {
	r := &ClassRegistry{classes: make(map[string]*models.ClassSchema)}
	r.Register(UserClass())
	r.Register(LDAPProfileClass())
	return r
}

// Register adds or replaces a class
func (r *ClassRegistry) Register(schema *models.ClassSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[schema.Name] = schema
}

// Get returns a class by name
func (r *ClassRegistry) Get(name string) (*models.ClassSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.classes[name]
	return schema, ok
}

// Names lists registered class names in order
func (r *ClassRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
