package models

import (
	"strings"
	"time"
)

const (
	// MainWiki is the wiki used when a request carries no wiki
	MainWiki = "xwiki"

	// DefaultSpace holds user profile documents
	DefaultSpace = "XWiki"

	// UserClassName is the class of the object that makes a document a user profile
	UserClassName = "XWiki.XWikiUsers"

	// LDAPProfileClassName is the class of the object binding a profile to a directory entry
	LDAPProfileClassName = "XWiki.LDAPProfileClass"

	// LDAPFieldDN and LDAPFieldUID are the fields of the LDAP profile object
	LDAPFieldDN  = "dn"
	LDAPFieldUID = "uid"

	// PasswordField holds the bcrypt hash used by local authentication
	PasswordField = "password"
)

// Object is a typed bag of fields attached to a document
type Object struct {
	ClassName string            `json:"className"`
	Fields    map[string]string `json:"fields"`
}

// Get returns the value of a field or "" when unset
func (o *Object) Get(field string) string {
	if o == nil || o.Fields == nil {
		return ""
	}
	return o.Fields[field]
}

// Set assigns a field and reports whether the value changed
func (o *Object) Set(field, value string) bool {
	if o.Fields == nil {
		o.Fields = make(map[string]string)
	}
	if cur, ok := o.Fields[field]; ok && cur == value {
		return false
	}
	o.Fields[field] = value
	return true
}

// UserProfile is a wiki user document
type UserProfile struct {
	Wiki      string             `json:"wiki"`
	FullName  string             `json:"fullName"`
	IsNew     bool               `json:"-"`
	Objects   map[string]*Object `json:"objects"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// NewUserProfile returns an empty, not yet persisted profile
func NewUserProfile(wiki, fullName string) *UserProfile {
	return &UserProfile{
		Wiki:     wiki,
		FullName: fullName,
		IsNew:    true,
		Objects:  make(map[string]*Object),
	}
}

// Object returns the object of the given class, or nil
func (p *UserProfile) Object(className string) *Object {
	if p.Objects == nil {
		return nil
	}
	return p.Objects[className]
}

// EnsureObject returns the object of the given class, creating it when absent
func (p *UserProfile) EnsureObject(className string) *Object {
	if p.Objects == nil {
		p.Objects = make(map[string]*Object)
	}
	obj, ok := p.Objects[className]
	if !ok {
		obj = &Object{ClassName: className, Fields: make(map[string]string)}
		p.Objects[className] = obj
	}
	return obj
}

// IsUser reports whether the document carries a user object
func (p *UserProfile) IsUser() bool {
	return p.Object(UserClassName) != nil
}

// LDAPUID returns the directory uid bound to this profile, or ""
func (p *UserProfile) LDAPUID() string {
	return p.Object(LDAPProfileClassName).Get(LDAPFieldUID)
}

// LDAPDN returns the directory DN bound to this profile, or ""
func (p *UserProfile) LDAPDN() string {
	return p.Object(LDAPProfileClassName).Get(LDAPFieldDN)
}

// HasLDAPFacet reports whether the profile is bound to a directory entry
func (p *UserProfile) HasLDAPFacet() bool {
	return p.Object(LDAPProfileClassName) != nil
}

// SetLDAPFacet records the directory binding and reports whether it changed
func (p *UserProfile) SetLDAPFacet(dn, uid string) bool {
	obj := p.EnsureObject(LDAPProfileClassName)
	changedDN := obj.Set(LDAPFieldDN, dn)
	changedUID := obj.Set(LDAPFieldUID, uid)
	return changedDN || changedUID
}

// PageName returns the page part of FullName
func (p *UserProfile) PageName() string {
	if i := strings.LastIndex(p.FullName, "."); i >= 0 {
		return p.FullName[i+1:]
	}
	return p.FullName
}

// Clone returns a deep copy
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.Objects = make(map[string]*Object, len(p.Objects))
	for name, obj := range p.Objects {
		fields := make(map[string]string, len(obj.Fields))
		for k, v := range obj.Fields {
			fields[k] = v
		}
		c.Objects[name] = &Object{ClassName: obj.ClassName, Fields: fields}
	}
	return &c
}

// FieldDef describes a single class field
type FieldDef struct {
	Name       string `json:"name"`
	PrettyName string `json:"prettyName"`
	Type       string `json:"type"`
	Size       int    `json:"size"`
}

const (
	FieldTypeText     = "text"
	FieldTypePassword = "password"
)

// ClassSchema is the ordered field list of a class
type ClassSchema struct {
	Name   string     `json:"name"`
	Fields []FieldDef `json:"fields"`
}

// HasField reports whether the class declares a field
func (c *ClassSchema) HasField(name string) bool {
	for _, f := range c.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Field returns a field definition by name
func (c *ClassSchema) Field(name string) (FieldDef, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// DirectoryIdentity is what the directory returned for one verified login
type DirectoryIdentity struct {
	DN         string            `json:"dn"`
	UID        string            `json:"uid"`
	Attributes map[string]string `json:"attributes"`
}

// Attribute returns the first value of an attribute, matching the name case-insensitively
func (d *DirectoryIdentity) Attribute(name string) string {
	if v, ok := d.Attributes[name]; ok {
		return v
	}
	for k, v := range d.Attributes {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

const (
	SourceLDAP  = "ldap"
	SourceLocal = "local"
)

// Principal is the authenticated identity handed back to callers
type Principal struct {
	Name     string   `json:"name"`
	Wiki     string   `json:"wiki"`
	FullName string   `json:"fullName"`
	Groups   []string `json:"groups"`
	Source   string   `json:"source"`
}

// NewPrincipal builds the "<wiki>:<fullName>" principal
func NewPrincipal(wiki, fullName, source string) *Principal {
	return &Principal{
		Name:     wiki + ":" + fullName,
		Wiki:     wiki,
		FullName: fullName,
		Groups:   []string{},
		Source:   source,
	}
}

// AuthPayload is returned after successful login
type AuthPayload struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Principal *Principal `json:"principal"`
}

// Stats contains connection pool statistics
type Stats struct {
	PoolSize      int `json:"poolSize"`
	Available     int `json:"available"`
	InUse         int `json:"inUse"`
	TotalRequests int `json:"totalRequests"`
}

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	LDAP      bool   `json:"ldap"`
	Store     bool   `json:"store"`
}
