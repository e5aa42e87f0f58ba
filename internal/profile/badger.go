package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devplatform/wiki-auth/internal/models"
	badgerdb "github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	p:<wiki>\x00<fullName>            -> JSON document
//	u:<wiki>\x00<lower uid>\x00<name> -> empty, LDAP uid index
const (
	prefixProfile = "p:"
	prefixUID     = "u:"
	sep           = "\x00"
)

func keyProfile(wiki, fullName string) []byte {
	return []byte(prefixProfile + wiki + sep + fullName)
}

func keyProfilePrefix(wiki string) []byte {
	return []byte(prefixProfile + wiki + sep)
}

func keyUID(wiki, uid, fullName string) []byte {
	return []byte(prefixUID + wiki + sep + strings.ToLower(uid) + sep + fullName)
}

func keyUIDPrefix(wiki, uid string) []byte {
	return []byte(prefixUID + wiki + sep + strings.ToLower(uid) + sep)
}

// BadgerStore keeps profiles in an embedded Badger database
type BadgerStore struct {
	db *badgerdb.DB
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens a database at path; an empty path keeps it in memory
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func decodeProfile(val []byte) (*models.UserProfile, error) {
	var p models.UserProfile
	if err := json.Unmarshal(val, &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	if p.Objects == nil {
		p.Objects = make(map[string]*models.Object)
	}
	return &p, nil
}

func getProfile(txn *badgerdb.Txn, wiki, fullName string) (*models.UserProfile, error) {
	item, err := txn.Get(keyProfile(wiki, fullName))
	if err == badgerdb.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var p *models.UserProfile
	err = item.Value(func(val []byte) error {
		p, err = decodeProfile(val)
		return err
	})
	return p, err
}

// putProfile writes the document and keeps the uid index in step with it
func putProfile(txn *badgerdb.Txn, p *models.UserProfile, previous *models.UserProfile) error {
	if previous != nil && previous.HasLDAPFacet() {
		if err := txn.Delete(keyUID(p.Wiki, previous.LDAPUID(), p.FullName)); err != nil {
			return err
		}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	if err := txn.Set(keyProfile(p.Wiki, p.FullName), data); err != nil {
		return err
	}

	if p.HasLDAPFacet() {
		return txn.Set(keyUID(p.Wiki, p.LDAPUID(), p.FullName), nil)
	}
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, wiki, fullName string) (*models.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var p *models.UserProfile
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		p, err = getProfile(txn, wiki, fullName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *BadgerStore) Exists(ctx context.Context, wiki, fullName string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	exists := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyProfile(wiki, fullName))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (s *BadgerStore) Create(ctx context.Context, p *models.UserProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	stored := p.Clone()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyProfile(p.Wiki, p.FullName))
		if err == nil {
			return ErrAlreadyExists
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}
		return putProfile(txn, stored, nil)
	})
	// a concurrent writer touched the same key first
	if errors.Is(err, badgerdb.ErrConflict) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}

	p.CreatedAt = now
	p.UpdatedAt = now
	p.IsNew = false
	return nil
}

func (s *BadgerStore) Save(ctx context.Context, p *models.UserProfile) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	stored := p.Clone()
	stored.UpdatedAt = now

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		previous, err := getProfile(txn, p.Wiki, p.FullName)
		if err != nil && err != ErrNotFound {
			return err
		}
		if previous != nil {
			stored.CreatedAt = previous.CreatedAt
		} else if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		return putProfile(txn, stored, previous)
	})
	if err != nil {
		return err
	}

	p.CreatedAt = stored.CreatedAt
	p.UpdatedAt = now
	p.IsNew = false
	return nil
}

func (s *BadgerStore) Search(ctx context.Context, wiki string, f Filter) ([]*models.UserProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if f.ClassName == models.LDAPProfileClassName && f.Field == models.LDAPFieldUID && f.IgnoreCase {
		return s.searchUIDIndex(wiki, f.Value)
	}

	results := make([]*models.UserProfile, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = keyProfilePrefix(wiki)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				p, err := decodeProfile(val)
				if err != nil {
					return err
				}
				if f.Matches(p) {
					results = append(results, p)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByFullName(results)
	return results, nil
}

func (s *BadgerStore) searchUIDIndex(wiki, uid string) ([]*models.UserProfile, error) {
	results := make([]*models.UserProfile, 0)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := keyUIDPrefix(wiki, uid)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		names := make([]string, 0)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			names = append(names, string(bytes.TrimPrefix(key, prefix)))
		}

		for _, name := range names {
			p, err := getProfile(txn, wiki, name)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			results = append(results, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByFullName(results)
	return results, nil
}

func (s *BadgerStore) Wikis(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixProfile)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), prefixProfile)
			if wiki, _, ok := strings.Cut(rest, sep); ok {
				seen[wiki] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	wikis := make([]string, 0, len(seen))
	for wiki := range seen {
		wikis = append(wikis, wiki)
	}
	sort.Strings(wikis)
	return wikis, nil
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
