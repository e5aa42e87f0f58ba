package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/devplatform/wiki-auth/internal/models"
	ldap "github.com/go-ldap/ldap/v3"
	"github.com/sirupsen/logrus"
)

// Verify checks a login and password against the directory and returns the
// entry it resolved to. Users bind directly when the bind DN is a template
// containing {0}; otherwise the service account searches for the entry and a
// fresh connection binds as the entry's DN.
func (m *Manager) Verify(ctx context.Context, login, password string) (*models.DirectoryIdentity, error) {
	// An empty password is an unauthenticated bind, which most servers accept.
	if login == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	if m.config.UsesDirectBind() {
		return m.verifyDirect(ctx, login, password)
	}
	return m.verifySearch(ctx, login, password)
}

func (m *Manager) verifyDirect(ctx context.Context, login, password string) (*models.DirectoryIdentity, error) {
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	bindDN := strings.ReplaceAll(m.config.LDAPBindDN, "{0}", ldap.EscapeDN(login))
	if err := conn.Bind(bindDN, m.userBindPassword(password)); err != nil {
		return nil, m.bindError(login, err)
	}

	entries, err := m.searchUser(conn, login)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Some directories hide entries from their own users; the bind is proof enough.
	if len(entries) == 0 {
		m.logger.WithField("login", login).Debug("Bound user entry is not searchable")
		return &models.DirectoryIdentity{
			DN:         bindDN,
			UID:        login,
			Attributes: map[string]string{},
		}, nil
	}

	return m.entryToIdentity(entries[0], login), nil
}

func (m *Manager) verifySearch(ctx context.Context, login, password string) (*models.DirectoryIdentity, error) {
	pc, err := m.getConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	entries, err := m.searchUser(pc.conn, login)
	if err != nil {
		m.discardConnection(pc)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.returnConnection(pc)

	switch len(entries) {
	case 0:
		m.logger.WithField("login", login).Info("Login not found in directory")
		return nil, ErrInvalidCredentials
	case 1:
	default:
		m.logger.WithFields(logrus.Fields{
			"login":   login,
			"matches": len(entries),
		}).Warn("Login matches several directory entries")
		return nil, ErrInvalidCredentials
	}

	entry := entries[0]

	// Bind on a separate connection so pooled ones stay service-bound.
	userConn, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer userConn.Close()

	if err := userConn.Bind(entry.DN, password); err != nil {
		return nil, m.bindError(login, err)
	}

	m.logger.WithFields(logrus.Fields{
		"login": login,
		"dn":    entry.DN,
	}).Debug("Directory bind succeeded")
	return m.entryToIdentity(entry, login), nil
}

// FetchAttributes looks up an entry by uid with the service account
func (m *Manager) FetchAttributes(ctx context.Context, uid string) (*models.DirectoryIdentity, error) {
	pc, err := m.getConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	entries, err := m.searchUser(pc.conn, uid)
	if err != nil {
		m.discardConnection(pc)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.returnConnection(pc)

	if len(entries) == 0 {
		return nil, ErrUserNotFound
	}
	return m.entryToIdentity(entries[0], uid), nil
}

// GroupMembers returns the raw member values of a group: DNs from member and
// uniqueMember, plain uids from memberUid
func (m *Manager) GroupMembers(ctx context.Context, groupDN string) ([]string, error) {
	pc, err := m.getConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	searchRequest := ldap.NewSearchRequest(
		groupDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1,
		int(m.config.LDAPConnTimeout.Seconds()),
		false,
		"(objectClass=*)",
		[]string{"member", "uniqueMember", "memberUid"},
		nil,
	)

	result, err := pc.conn.Search(searchRequest)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			m.returnConnection(pc)
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupDN)
		}
		m.discardConnection(pc)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.returnConnection(pc)

	if len(result.Entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupDN)
	}

	entry := result.Entries[0]
	members := make([]string, 0)
	members = append(members, entry.GetAttributeValues("member")...)
	members = append(members, entry.GetAttributeValues("uniqueMember")...)
	members = append(members, entry.GetAttributeValues("memberUid")...)
	return members, nil
}

// searchUser finds entries whose uid attribute equals login
func (m *Manager) searchUser(conn Conn, login string) ([]*ldap.Entry, error) {
	filter := fmt.Sprintf("(%s=%s)", m.config.LDAPUIDAttr, ldap.EscapeFilter(login))

	searchRequest := ldap.NewSearchRequest(
		m.config.LDAPBaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2,
		int(m.config.LDAPConnTimeout.Seconds()),
		false,
		filter,
		m.userAttributes(),
		nil,
	)

	result, err := conn.Search(searchRequest)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		// the size limit of 2 only exists to detect ambiguous logins
		if ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) && result != nil {
			return result.Entries, nil
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}

	return result.Entries, nil
}

// userAttributes lists the uid attribute plus every mapped attribute
func (m *Manager) userAttributes() []string {
	seen := map[string]bool{strings.ToLower(m.config.LDAPUIDAttr): true}
	attrs := []string{m.config.LDAPUIDAttr}

	for _, attr := range m.config.FieldsMapping {
		key := strings.ToLower(attr)
		if seen[key] {
			continue
		}
		seen[key] = true
		attrs = append(attrs, attr)
	}

	return attrs
}

// entryToIdentity keeps the first value of every returned attribute
func (m *Manager) entryToIdentity(entry *ldap.Entry, login string) *models.DirectoryIdentity {
	attrs := make(map[string]string, len(entry.Attributes))
	for _, attr := range entry.Attributes {
		if len(attr.Values) > 0 {
			attrs[attr.Name] = attr.Values[0]
		}
	}

	uid := entry.GetEqualFoldAttributeValue(m.config.LDAPUIDAttr)
	if uid == "" {
		uid = login
	}

	return &models.DirectoryIdentity{
		DN:         entry.DN,
		UID:        uid,
		Attributes: attrs,
	}
}

// userBindPassword substitutes {1} in the bind password template
func (m *Manager) userBindPassword(password string) string {
	if strings.Contains(m.config.LDAPBindPassword, "{1}") {
		return strings.ReplaceAll(m.config.LDAPBindPassword, "{1}", password)
	}
	return password
}

// bindError separates rejected credentials from transport failures
func (m *Manager) bindError(login string, err error) error {
	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		switch ldapErr.ResultCode {
		case ldap.LDAPResultInvalidCredentials,
			ldap.LDAPResultInappropriateAuthentication,
			ldap.LDAPResultUnwillingToPerform,
			ldap.LDAPResultInvalidDNSyntax,
			ldap.LDAPResultNoSuchObject:
			m.logger.WithField("login", login).Info("Directory rejected credentials")
			return ErrInvalidCredentials
		}
	}

	m.logger.WithError(err).WithField("login", login).Warn("Directory bind failed")
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// IsMember reports whether a group's member values name the identity, either
// by DN (compared as parsed DNs, ignoring case) or by plain uid
func IsMember(members []string, identity *models.DirectoryIdentity) bool {
	var identityDN *ldap.DN
	if identity.DN != "" {
		identityDN, _ = ldap.ParseDN(identity.DN)
	}

	for _, member := range members {
		if strings.EqualFold(member, identity.UID) || strings.EqualFold(member, identity.DN) {
			return true
		}
		if identityDN == nil || !strings.Contains(member, "=") {
			continue
		}
		memberDN, err := ldap.ParseDN(member)
		if err != nil {
			continue
		}
		if memberDN.EqualFold(identityDN) {
			return true
		}
	}
	return false
}
