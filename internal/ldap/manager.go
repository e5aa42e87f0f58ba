package ldap

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devplatform/wiki-auth/internal/config"
	"github.com/devplatform/wiki-auth/internal/models"
	ldap "github.com/go-ldap/ldap/v3"
	"github.com/sirupsen/logrus"
)

type pooledConn struct {
	conn      Conn
	createdAt time.Time
}

// Manager handles directory connections and lookups
type Manager struct {
	config        *config.Config
	dialer        Dialer
	pool          chan *pooledConn
	poolSize      int
	mu            sync.RWMutex
	closed        bool
	logger        *logrus.Logger
	totalRequests int64

	// live counts open pool connections, idle or checked out; a lost
	// connection frees its slot and the next caller redials it
	live  int64
	freed chan struct{}
}

// NewManager creates a manager dialing the configured server
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	return NewManagerWithDialer(cfg, NewURLDialer(cfg.LDAPURL(), cfg.LDAPConnTimeout), logger)
}

// NewManagerWithDialer creates a manager with a pre-populated connection pool
func NewManagerWithDialer(cfg *config.Config, dialer Dialer, logger *logrus.Logger) (*Manager, error) {
	m := &Manager{
		config:   cfg,
		dialer:   dialer,
		pool:     make(chan *pooledConn, cfg.LDAPPoolSize),
		poolSize: cfg.LDAPPoolSize,
		logger:   logger,
		freed:    make(chan struct{}, cfg.LDAPPoolSize),
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.LDAPConnTimeout*time.Duration(cfg.LDAPPoolSize))
	defer cancel()

	for i := 0; i < cfg.LDAPPoolSize; i++ {
		pc, err := m.createConnection(ctx)
		if err != nil {
			m.logger.WithError(err).Error("Failed to create initial connection")
			close(m.pool)
			for c := range m.pool {
				c.conn.Close()
			}
			return nil, fmt.Errorf("failed to initialize connection pool: %w", err)
		}
		m.pool <- pc
		m.live++
	}

	m.logger.WithFields(logrus.Fields{
		"pool_size":   cfg.LDAPPoolSize,
		"url":         cfg.LDAPURL(),
		"direct_bind": cfg.UsesDirectBind(),
	}).Info("LDAP connection pool initialized")
	return m, nil
}

// createConnection dials and, unless users bind directly, binds as the service account
func (m *Manager) createConnection(ctx context.Context) (*pooledConn, error) {
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	if !m.config.UsesDirectBind() && m.config.LDAPBindDN != "" {
		if err := conn.Bind(m.config.LDAPBindDN, m.config.LDAPBindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to bind: %w", err)
		}
	}

	return &pooledConn{conn: conn, createdAt: time.Now()}, nil
}

// getConnection retrieves a connection from the pool, dialing a new one
// when a slot was freed by a lost connection
func (m *Manager) getConnection(ctx context.Context) (*pooledConn, error) {
	atomic.AddInt64(&m.totalRequests, 1)

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	m.mu.RUnlock()

	timer := time.NewTimer(m.config.LDAPPoolTimeout)
	defer timer.Stop()

	for {
		select {
		case pc, ok := <-m.pool:
			if !ok {
				return nil, ErrPoolClosed
			}
			return m.checkConnection(ctx, pc)
		default:
		}

		if m.reserveSlot() {
			return m.dialSlot(ctx)
		}

		select {
		case pc, ok := <-m.pool:
			if !ok {
				return nil, ErrPoolClosed
			}
			return m.checkConnection(ctx, pc)
		case <-m.freed:
		case <-timer.C:
			return nil, fmt.Errorf("timeout waiting for connection from pool")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// checkConnection replaces an expired or broken pooled connection
func (m *Manager) checkConnection(ctx context.Context, pc *pooledConn) (*pooledConn, error) {
	expired := m.config.LDAPMaxConnLifetime > 0 && time.Since(pc.createdAt) > m.config.LDAPMaxConnLifetime
	if !expired && m.testConnection(pc.conn) {
		return pc, nil
	}

	m.logger.WithField("expired", expired).Debug("Replacing pooled connection")
	pc.conn.Close()
	// the slot stays reserved for the replacement
	return m.dialSlot(ctx)
}

// dialSlot fills a reserved slot, releasing it when the dial fails
func (m *Manager) dialSlot(ctx context.Context) (*pooledConn, error) {
	pc, err := m.createConnection(ctx)
	if err != nil {
		m.releaseSlot()
		return nil, fmt.Errorf("failed to create new connection: %w", err)
	}
	return pc, nil
}

// reserveSlot claims a free slot, reporting false when the pool is at capacity
func (m *Manager) reserveSlot() bool {
	for {
		n := atomic.LoadInt64(&m.live)
		if n >= int64(m.poolSize) {
			return false
		}
		if atomic.CompareAndSwapInt64(&m.live, n, n+1) {
			return true
		}
	}
}

// releaseSlot frees a slot and wakes one waiting caller
func (m *Manager) releaseSlot() {
	atomic.AddInt64(&m.live, -1)
	select {
	case m.freed <- struct{}{}:
	default:
	}
}

// returnConnection returns a connection to the pool
func (m *Manager) returnConnection(pc *pooledConn) {
	if pc == nil {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		pc.conn.Close()
		return
	}

	select {
	case m.pool <- pc:
	default:
		m.logger.Warn("Connection pool full, closing connection")
		pc.conn.Close()
		m.releaseSlot()
	}
}

// discardConnection drops a broken connection; the next caller redials its slot
func (m *Manager) discardConnection(pc *pooledConn) {
	pc.conn.Close()
	m.releaseSlot()
}

// testConnection tests if a connection is still alive
func (m *Manager) testConnection(conn Conn) bool {
	if conn == nil {
		return false
	}

	searchRequest := ldap.NewSearchRequest(
		m.config.LDAPBaseDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0,
		int(m.config.LDAPConnTimeout.Seconds()),
		false,
		"(objectClass=*)",
		[]string{"dn"},
		nil,
	)

	_, err := conn.Search(searchRequest)
	return err == nil
}

// HealthCheck performs a health check on the LDAP connection
func (m *Manager) HealthCheck(ctx context.Context) error {
	pc, err := m.getConnection(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer m.returnConnection(pc)

	if !m.testConnection(pc.conn) {
		return fmt.Errorf("health check failed: connection test failed")
	}

	return nil
}

// GetStats returns connection pool statistics
func (m *Manager) GetStats() *models.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	available := len(m.pool)
	inUse := int(atomic.LoadInt64(&m.live)) - available
	if inUse < 0 {
		inUse = 0
	}

	return &models.Stats{
		PoolSize:      m.poolSize,
		Available:     available,
		InUse:         inUse,
		TotalRequests: int(atomic.LoadInt64(&m.totalRequests)),
	}
}

// Close closes all connections in the pool
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	close(m.pool)

	count := 0
	for pc := range m.pool {
		pc.conn.Close()
		count++
	}

	m.logger.WithField("connections_closed", count).Info("LDAP connection pool closed")
	return nil
}
