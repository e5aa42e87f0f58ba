package ldap

import (
	"context"
	"errors"
	"strings"
	"sync"

	ldap "github.com/go-ldap/ldap/v3"
)

type fakeEntry struct {
	dn       string
	attrs    map[string][]string
	password string
}

// fakeDirectory is an in-memory directory speaking just enough of the Conn
// interface for the manager: simple equality filters, base and subtree scopes.
type fakeDirectory struct {
	mu      sync.Mutex
	baseDN  string
	entries []*fakeEntry
	down    bool
	dials   int
	binds   []string
	open    int
}

func newFakeDirectory(baseDN string) *fakeDirectory {
	return &fakeDirectory{baseDN: baseDN}
}

func (d *fakeDirectory) addEntry(dn, password string, attrs map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, &fakeEntry{dn: dn, attrs: attrs, password: password})
}

func (d *fakeDirectory) setDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = down
}

func (d *fakeDirectory) bindCount(dn string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.binds {
		if strings.EqualFold(b, dn) {
			n++
		}
	}
	return n
}

func (d *fakeDirectory) openConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *fakeDirectory) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	d.dials++
	d.open++
	return &fakeConn{dir: d}, nil
}

func (d *fakeDirectory) find(dn string) *fakeEntry {
	for _, e := range d.entries {
		if strings.EqualFold(e.dn, dn) {
			return e
		}
	}
	return nil
}

type fakeConn struct {
	dir    *fakeDirectory
	closed bool
}

func networkError() error {
	return ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset by peer"))
}

func (c *fakeConn) Bind(username, password string) error {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()

	if c.dir.down || c.closed {
		return networkError()
	}
	c.dir.binds = append(c.dir.binds, username)

	e := c.dir.find(username)
	if e == nil || e.password != password {
		return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}
	return nil
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()

	if c.dir.down || c.closed {
		return nil, networkError()
	}

	if req.Scope == ldap.ScopeBaseObject {
		if strings.EqualFold(req.BaseDN, c.dir.baseDN) {
			return &ldap.SearchResult{Entries: []*ldap.Entry{ldap.NewEntry(c.dir.baseDN, nil)}}, nil
		}
		e := c.dir.find(req.BaseDN)
		if e == nil {
			return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
		}
		return &ldap.SearchResult{Entries: []*ldap.Entry{ldap.NewEntry(e.dn, e.attrs)}}, nil
	}

	attr, value, ok := strings.Cut(strings.Trim(req.Filter, "()"), "=")
	if !ok {
		return nil, ldap.NewError(ldap.LDAPResultFilterError, errors.New("unsupported filter"))
	}

	result := &ldap.SearchResult{}
	for _, e := range c.dir.entries {
		if !strings.HasSuffix(strings.ToLower(e.dn), strings.ToLower(req.BaseDN)) {
			continue
		}
		for name, vals := range e.attrs {
			if !strings.EqualFold(name, attr) {
				continue
			}
			for _, v := range vals {
				if strings.EqualFold(v, value) {
					result.Entries = append(result.Entries, ldap.NewEntry(e.dn, e.attrs))
				}
			}
		}
	}

	if req.SizeLimit > 0 && len(result.Entries) > req.SizeLimit {
		result.Entries = result.Entries[:req.SizeLimit]
		return result, ldap.NewError(ldap.LDAPResultSizeLimitExceeded, errors.New("size limit exceeded"))
	}
	return result, nil
}

func (c *fakeConn) Add(req *ldap.AddRequest) error {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()

	if c.dir.down || c.closed {
		return networkError()
	}
	if c.dir.find(req.DN) != nil {
		return ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("already exists"))
	}

	attrs := make(map[string][]string, len(req.Attributes))
	password := ""
	for _, a := range req.Attributes {
		attrs[a.Type] = a.Vals
		if a.Type == "userPassword" && len(a.Vals) > 0 {
			password = a.Vals[0]
		}
	}
	c.dir.entries = append(c.dir.entries, &fakeEntry{dn: req.DN, attrs: attrs, password: password})
	return nil
}

func (c *fakeConn) Close() error {
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.dir.open--
	}
	return nil
}
