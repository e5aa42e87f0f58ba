package ldap

import (
	"context"
	"fmt"
	"net"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
)

// Conn is the subset of *ldap.Conn the manager needs.
type Conn interface {
	Bind(username, password string) error
	Search(searchRequest *ldap.SearchRequest) (*ldap.SearchResult, error)
	Add(addRequest *ldap.AddRequest) error
	Close() error
}

var _ Conn = (*ldap.Conn)(nil)

// Dialer opens unauthenticated directory connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc makes it easy to use a func as a Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// NewURLDialer dials ldap:// or ldaps:// URLs with a connect timeout.
func NewURLDialer(url string, timeout time.Duration) Dialer {
	return DialerFunc(func(ctx context.Context) (Conn, error) {
		dialer := &net.Dialer{Timeout: timeout}
		if deadline, ok := ctx.Deadline(); ok {
			dialer.Deadline = deadline
		}

		conn, err := ldap.DialURL(url, ldap.DialWithDialer(dialer))
		if err != nil {
			return nil, fmt.Errorf("failed to dial LDAP: %w", err)
		}
		conn.SetTimeout(timeout)
		return conn, nil
	})
}
