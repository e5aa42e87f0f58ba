package profile

import (
	"context"
	"sync"
	"testing"

	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewGORMStore(&GORMConfig{Type: TypeSQLite, SQLitePath: ":memory:"})
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := NewBadgerStore("")
			require.NoError(t, err)
			return s
		},
	}
}

func ldapProfile(wiki, fullName, dn, uid string) *models.UserProfile {
	p := models.NewUserProfile(wiki, fullName)
	user := p.EnsureObject(models.UserClassName)
	user.Set("first_name", "Horatio")
	user.Set("last_name", "Hornblower")
	p.SetLDAPFacet(dn, uid)
	return p
}

func TestStores(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				p := ldapProfile("xwiki", "XWiki.hhornblo", "cn=Horatio Hornblower,ou=people,o=sevenSeas", "hhornblo")
				require.NoError(t, s.Create(ctx, p))
				assert.False(t, p.IsNew)
				assert.False(t, p.CreatedAt.IsZero())

				got, err := s.Get(ctx, "xwiki", "XWiki.hhornblo")
				require.NoError(t, err)
				assert.False(t, got.IsNew)
				assert.Equal(t, "Hornblower", got.Object(models.UserClassName).Get("last_name"))
				assert.Equal(t, "hhornblo", got.LDAPUID())
				assert.Equal(t, "cn=Horatio Hornblower,ou=people,o=sevenSeas", got.LDAPDN())

				exists, err := s.Exists(ctx, "xwiki", "XWiki.hhornblo")
				require.NoError(t, err)
				assert.True(t, exists)

				exists, err = s.Exists(ctx, "otherwiki", "XWiki.hhornblo")
				require.NoError(t, err)
				assert.False(t, exists)
			})

			t.Run("get missing", func(t *testing.T) {
				s := factory(t)
				defer s.Close()

				_, err := s.Get(context.Background(), "xwiki", "XWiki.nobody")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("create does not overwrite", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				require.NoError(t, s.Create(ctx, ldapProfile("xwiki", "XWiki.hhornblo", "cn=a", "hhornblo")))
				err := s.Create(ctx, ldapProfile("xwiki", "XWiki.hhornblo", "cn=b", "other"))
				assert.ErrorIs(t, err, ErrAlreadyExists)

				got, err := s.Get(ctx, "xwiki", "XWiki.hhornblo")
				require.NoError(t, err)
				assert.Equal(t, "cn=a", got.LDAPDN())
			})

			t.Run("concurrent create has one winner", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				var wg sync.WaitGroup
				var mu sync.Mutex
				wins := 0
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						err := s.Create(ctx, ldapProfile("xwiki", "XWiki.race", "cn=race", "race"))
						if err == nil {
							mu.Lock()
							wins++
							mu.Unlock()
							return
						}
						assert.ErrorIs(t, err, ErrAlreadyExists)
					}()
				}
				wg.Wait()
				assert.Equal(t, 1, wins)
			})

			t.Run("save replaces objects and keeps creation time", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				p := ldapProfile("xwiki", "XWiki.hhornblo", "cn=old", "hhornblo")
				require.NoError(t, s.Create(ctx, p))
				created := p.CreatedAt

				got, err := s.Get(ctx, "xwiki", "XWiki.hhornblo")
				require.NoError(t, err)
				got.Object(models.UserClassName).Set("email", "hhornblo@sevenseas.example")
				got.SetLDAPFacet("cn=new", "HHornblo")
				require.NoError(t, s.Save(ctx, got))

				again, err := s.Get(ctx, "xwiki", "XWiki.hhornblo")
				require.NoError(t, err)
				assert.Equal(t, "hhornblo@sevenseas.example", again.Object(models.UserClassName).Get("email"))
				assert.Equal(t, "cn=new", again.LDAPDN())
				assert.True(t, again.CreatedAt.Equal(created), "created %v, got %v", created, again.CreatedAt)

				// the old uid no longer resolves
				found, err := s.Search(ctx, "xwiki", Filter{
					ClassName: models.LDAPProfileClassName, Field: models.LDAPFieldUID, Value: "hhornblo", IgnoreCase: true,
				})
				require.NoError(t, err)
				require.Len(t, found, 1)
				assert.Equal(t, "HHornblo", found[0].LDAPUID())
			})

			t.Run("save inserts a new document", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				p := models.NewUserProfile("xwiki", "XWiki.Admin")
				p.EnsureObject(models.UserClassName).Set(models.PasswordField, "hash")
				require.NoError(t, s.Save(ctx, p))
				assert.False(t, p.IsNew)

				got, err := s.Get(ctx, "xwiki", "XWiki.Admin")
				require.NoError(t, err)
				assert.True(t, got.IsUser())
				assert.False(t, got.HasLDAPFacet())
			})

			t.Run("search", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				require.NoError(t, s.Create(ctx, ldapProfile("xwiki", "XWiki.hhornblo_1", "cn=b", "HHornblo")))
				require.NoError(t, s.Create(ctx, ldapProfile("xwiki", "XWiki.hhornblo", "cn=a", "hhornblo")))
				require.NoError(t, s.Create(ctx, ldapProfile("xwiki", "XWiki.wbush", "cn=c", "wbush")))
				require.NoError(t, s.Create(ctx, ldapProfile("subwiki", "XWiki.hhornblo", "cn=a", "hhornblo")))

				plain := models.NewUserProfile("xwiki", "XWiki.local")
				plain.EnsureObject(models.UserClassName)
				require.NoError(t, s.Create(ctx, plain))

				found, err := s.Search(ctx, "xwiki", Filter{
					ClassName: models.LDAPProfileClassName, Field: models.LDAPFieldUID, Value: "HHORNBLO", IgnoreCase: true,
				})
				require.NoError(t, err)
				require.Len(t, found, 2)
				assert.Equal(t, "XWiki.hhornblo", found[0].FullName)
				assert.Equal(t, "XWiki.hhornblo_1", found[1].FullName)

				found, err = s.Search(ctx, "xwiki", Filter{
					ClassName: models.LDAPProfileClassName, Field: models.LDAPFieldUID, Value: "HHornblo",
				})
				require.NoError(t, err)
				require.Len(t, found, 1)
				assert.Equal(t, "XWiki.hhornblo_1", found[0].FullName)

				found, err = s.Search(ctx, "xwiki", Filter{ClassName: models.UserClassName})
				require.NoError(t, err)
				assert.Len(t, found, 4)

				found, err = s.Search(ctx, "xwiki", Filter{ClassName: models.LDAPProfileClassName})
				require.NoError(t, err)
				assert.Len(t, found, 3)

				wikis, err := s.Wikis(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"subwiki", "xwiki"}, wikis)
			})

			t.Run("returned profiles are copies", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				p := ldapProfile("xwiki", "XWiki.hhornblo", "cn=a", "hhornblo")
				require.NoError(t, s.Create(ctx, p))
				p.Object(models.UserClassName).Set("last_name", "Changed")

				got, err := s.Get(ctx, "xwiki", "XWiki.hhornblo")
				require.NoError(t, err)
				got.Object(models.UserClassName).Set("first_name", "Changed")

				again, err := s.Get(ctx, "xwiki", "XWiki.hhornblo")
				require.NoError(t, err)
				assert.Equal(t, "Hornblower", again.Object(models.UserClassName).Get("last_name"))
				assert.Equal(t, "Horatio", again.Object(models.UserClassName).Get("first_name"))
			})

			t.Run("ping", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				assert.NoError(t, s.Ping(context.Background()))
			})
		})
	}
}

func TestFilterMatches(t *testing.T) {
	p := ldapProfile("xwiki", "XWiki.hhornblo", "cn=a", "HHornblo")

	assert.True(t, Filter{ClassName: models.UserClassName}.Matches(p))
	assert.False(t, Filter{ClassName: "XWiki.Other"}.Matches(p))
	assert.True(t, Filter{ClassName: models.LDAPProfileClassName, Field: "uid", Value: "hhornblo", IgnoreCase: true}.Matches(p))
	assert.False(t, Filter{ClassName: models.LDAPProfileClassName, Field: "uid", Value: "hhornblo"}.Matches(p))
	assert.False(t, Filter{ClassName: models.LDAPProfileClassName, Field: "missing", Value: ""}.Matches(p))
}

func TestClassRegistry(t *testing.T) {
	r := NewClassRegistry()
	assert.Equal(t, []string{models.LDAPProfileClassName, models.UserClassName}, r.Names())

	user, ok := r.Get(models.UserClassName)
	require.True(t, ok)
	assert.True(t, user.HasField("email"))
	assert.True(t, user.HasField(models.PasswordField))
	assert.False(t, user.HasField("fullname"))

	f, ok := user.Field(models.PasswordField)
	require.True(t, ok)
	assert.Equal(t, models.FieldTypePassword, f.Type)
}
