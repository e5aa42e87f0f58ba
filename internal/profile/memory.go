package profile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devplatform/wiki-auth/internal/models"
)

// MemoryStore keeps profiles in process memory. Every read and write copies
// the document so callers never share state with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	wikis map[string]map[string]*models.UserProfile
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wikis: make(map[string]map[string]*models.UserProfile)}
}

func (s *MemoryStore) Get(ctx context.Context, wiki, fullName string) (*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.wikis[wiki][fullName]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Exists(ctx context.Context, wiki, fullName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.wikis[wiki][fullName]
	return ok, nil
}

func (s *MemoryStore) Create(ctx context.Context, p *models.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wikis[p.Wiki][p.FullName]; ok {
		return ErrAlreadyExists
	}
	s.put(p, time.Now())
	return nil
}

func (s *MemoryStore) Save(ctx context.Context, p *models.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.wikis[p.Wiki][p.FullName]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	s.put(p, now)
	return nil
}

// put stores a copy of p; callers hold the write lock
func (s *MemoryStore) put(p *models.UserProfile, now time.Time) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.IsNew = false

	docs, ok := s.wikis[p.Wiki]
	if !ok {
		docs = make(map[string]*models.UserProfile)
		s.wikis[p.Wiki] = docs
	}
	docs[p.FullName] = p.Clone()
}

func (s *MemoryStore) Search(ctx context.Context, wiki string, f Filter) ([]*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*models.UserProfile, 0)
	for _, p := range s.wikis[wiki] {
		if f.Matches(p) {
			results = append(results, p.Clone())
		}
	}
	sortByFullName(results)
	return results, nil
}

func (s *MemoryStore) Wikis(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wikis := make([]string, 0, len(s.wikis))
	for wiki := range s.wikis {
		wikis = append(wikis, wiki)
	}
	sort.Strings(wikis)
	return wikis, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
