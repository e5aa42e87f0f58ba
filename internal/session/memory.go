package session

import (
	"context"
	"errors"
	"time"

	"github.com/devplatform/wiki-auth/internal/cache"
)

// purgeThreshold bounds how many entries accumulate before expired ones are dropped
const purgeThreshold = 1024

// MemoryStore keeps sessions in a process-local TTL cache
type MemoryStore struct {
	cache *cache.MemoryCache[Session]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.NewMemoryCache[Session]()}
}

func (m *MemoryStore) Put(ctx context.Context, s *Session, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("session: ttl must be positive")
	}
	if m.cache.Len() >= purgeThreshold {
		m.cache.Purge()
	}
	return m.cache.Set(ctx, s.ID, *s, ttl)
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.cache.Get(ctx, id)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	return m.cache.Delete(ctx, id)
}

func (m *MemoryStore) Close() error {
	return m.cache.Close()
}
