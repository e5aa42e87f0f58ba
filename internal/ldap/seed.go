package ldap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/sirupsen/logrus"
)

// SeedData describes directory content created by the seeder
type SeedData struct {
	OrganizationalUnits []OUSpec    `json:"organizationalUnits,omitempty"`
	Users               []UserSpec  `json:"users,omitempty"`
	Groups              []GroupSpec `json:"groups,omitempty"`
}

// OUSpec defines an organizational unit directly under the base DN
type OUSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// UserSpec defines an inetOrgPerson entry
type UserSpec struct {
	UID        string `json:"uid"`
	OU         string `json:"ou"`
	CommonName string `json:"cn"`
	Surname    string `json:"sn"`
	GivenName  string `json:"givenName,omitempty"`
	Email      string `json:"mail,omitempty"`
	Password   string `json:"password"`
}

// GroupSpec defines a groupOfNames; members are uids of seeded users or full DNs
type GroupSpec struct {
	Name    string   `json:"name"`
	OU      string   `json:"ou"`
	Members []string `json:"members,omitempty"`
}

// LoadSeedData reads seed data from a JSON file
func LoadSeedData(path string) (*SeedData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed data: %w", err)
	}

	var data SeedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse seed data: %w", err)
	}
	return &data, nil
}

// Seeder creates organizational units, users and groups in a directory
type Seeder struct {
	dialer Dialer
	baseDN string
	logger *logrus.Logger
}

// NewSeeder creates a seeder writing below baseDN
func NewSeeder(dialer Dialer, baseDN string, logger *logrus.Logger) *Seeder {
	return &Seeder{
		dialer: dialer,
		baseDN: baseDN,
		logger: logger,
	}
}

// WaitForReady polls until the directory accepts connections
func (s *Seeder) WaitForReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		conn, err := s.dialer.Dial(ctx)
		if err == nil {
			conn.Close()
			s.logger.Info("LDAP is ready")
			return nil
		}
		s.logger.WithError(err).Debug("LDAP not ready yet")

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for LDAP: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Seed binds as adminDN and creates every entry in data; existing entries are kept
func (s *Seeder) Seed(ctx context.Context, adminDN, adminPassword string, data *SeedData) error {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to LDAP: %w", err)
	}
	defer conn.Close()

	if err := conn.Bind(adminDN, adminPassword); err != nil {
		return fmt.Errorf("failed to bind as admin: %w", err)
	}

	for _, ou := range data.OrganizationalUnits {
		if err := s.createOU(conn, ou); err != nil {
			return err
		}
	}

	for _, user := range data.Users {
		if err := s.createUser(conn, user); err != nil {
			return err
		}
	}

	for _, group := range data.Groups {
		if err := s.createGroup(conn, group, data.Users); err != nil {
			return err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"ous":    len(data.OrganizationalUnits),
		"users":  len(data.Users),
		"groups": len(data.Groups),
	}).Info("LDAP seeding completed")
	return nil
}

// UserDN returns the DN a seeded user is created under
func (s *Seeder) UserDN(user UserSpec) string {
	return fmt.Sprintf("cn=%s,ou=%s,%s", ldap.EscapeDN(user.CommonName), user.OU, s.baseDN)
}

func (s *Seeder) createOU(conn Conn, ou OUSpec) error {
	dn := fmt.Sprintf("ou=%s,%s", ou.Name, s.baseDN)

	addReq := ldap.NewAddRequest(dn, nil)
	addReq.Attribute("objectClass", []string{"organizationalUnit"})
	addReq.Attribute("ou", []string{ou.Name})
	if ou.Description != "" {
		addReq.Attribute("description", []string{ou.Description})
	}

	return s.add(conn, addReq, "ou", ou.Name)
}

func (s *Seeder) createUser(conn Conn, user UserSpec) error {
	addReq := ldap.NewAddRequest(s.UserDN(user), nil)
	addReq.Attribute("objectClass", []string{"inetOrgPerson"})
	addReq.Attribute("uid", []string{user.UID})
	addReq.Attribute("cn", []string{user.CommonName})
	addReq.Attribute("sn", []string{user.Surname})
	if user.GivenName != "" {
		addReq.Attribute("givenName", []string{user.GivenName})
	}
	if user.Email != "" {
		addReq.Attribute("mail", []string{user.Email})
	}
	addReq.Attribute("userPassword", []string{user.Password})

	return s.add(conn, addReq, "user", user.UID)
}

func (s *Seeder) createGroup(conn Conn, group GroupSpec, users []UserSpec) error {
	dn := fmt.Sprintf("cn=%s,ou=%s,%s", ldap.EscapeDN(group.Name), group.OU, s.baseDN)

	byUID := make(map[string]UserSpec, len(users))
	for _, u := range users {
		byUID[u.UID] = u
	}

	members := make([]string, 0, len(group.Members))
	for _, m := range group.Members {
		if u, ok := byUID[m]; ok {
			members = append(members, s.UserDN(u))
		} else if strings.Contains(m, "=") {
			members = append(members, m)
		} else {
			return fmt.Errorf("group %s: unknown member %s", group.Name, m)
		}
	}
	// groupOfNames requires at least one member
	if len(members) == 0 {
		members = append(members, s.baseDN)
	}

	addReq := ldap.NewAddRequest(dn, nil)
	addReq.Attribute("objectClass", []string{"groupOfNames"})
	addReq.Attribute("cn", []string{group.Name})
	addReq.Attribute("member", members)

	return s.add(conn, addReq, "group", group.Name)
}

func (s *Seeder) add(conn Conn, addReq *ldap.AddRequest, kind, name string) error {
	if err := conn.Add(addReq); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
			s.logger.WithField(kind, name).Debug("Entry already exists")
			return nil
		}
		return fmt.Errorf("failed to create %s %s: %w", kind, name, err)
	}

	s.logger.WithFields(logrus.Fields{
		kind: name,
		"dn": addReq.DN,
	}).Info("Created entry")
	return nil
}
