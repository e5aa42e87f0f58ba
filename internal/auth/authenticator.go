// Package auth verifies wiki logins against the directory and provisions the
// matching user profiles.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devplatform/wiki-auth/internal/cache"
	"github.com/devplatform/wiki-auth/internal/config"
	ldapdir "github.com/devplatform/wiki-auth/internal/ldap"
	"github.com/devplatform/wiki-auth/internal/models"
	"github.com/devplatform/wiki-auth/internal/profile"
	metrics "github.com/devplatform/wiki-auth/internal/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// maxCandidates bounds the _N suffix walk for one uid
	maxCandidates = 1000

	// maxCreateAttempts bounds restarts after losing a create race to another process
	maxCreateAttempts = 5
)

// Directory is the part of the LDAP manager the authenticator needs
type Directory interface {
	Verify(ctx context.Context, login, password string) (*models.DirectoryIdentity, error)
	GroupMembers(ctx context.Context, groupDN string) ([]string, error)
}

type resolution int

const (
	resolvedBound resolution = iota
	resolvedNew
	resolvedAdopted
)

func (r resolution) String() string {
	switch r {
	case resolvedNew:
		return "new"
	case resolvedAdopted:
		return "adopted"
	default:
		return "bound"
	}
}

// Authenticator checks credentials and keeps user profiles in step with the directory
type Authenticator struct {
	config    *config.Config
	directory Directory
	store     profile.Store
	userClass *models.ClassSchema
	groups    cache.Cache[[]string]
	locks     *keyLock
	logger    *logrus.Logger
}

// NewAuthenticator creates an authenticator. directory may be nil when LDAP is
// disabled. Mapped fields are limited to the user class found in classes; a
// nil registry means the built-in classes.
func NewAuthenticator(cfg *config.Config, directory Directory, store profile.Store, classes *profile.ClassRegistry, logger *logrus.Logger) *Authenticator {
	if classes == nil {
		classes = profile.NewClassRegistry()
	}
	userClass, ok := classes.Get(models.UserClassName)
	if !ok {
		userClass = profile.UserClass()
	}

	return &Authenticator{
		config:    cfg,
		directory: directory,
		store:     store,
		userClass: userClass,
		groups:    cache.NewMemoryCache[[]string](),
		locks:     newKeyLock(),
		logger:    logger,
	}
}

// Authenticate verifies login and password for wiki and returns the principal
// of the user's profile, creating or updating the profile as needed.
// An empty wiki means the main wiki.
func (a *Authenticator) Authenticate(ctx context.Context, login, password, wiki string) (*models.Principal, error) {
	if wiki == "" {
		wiki = a.config.MainWiki
	}
	if login == "" {
		return nil, &AuthenticationError{Login: login, Err: ErrInvalidCredentials}
	}

	if !a.config.LDAPEnabled || a.directory == nil {
		return a.observe(models.SourceLocal, func() (*models.Principal, error) {
			return a.authenticateLocal(ctx, login, password, wiki)
		})
	}

	principal, err := a.observe(models.SourceLDAP, func() (*models.Principal, error) {
		return a.authenticateLDAP(ctx, login, password, wiki)
	})

	var authErr *AuthenticationError
	if err != nil && a.config.LDAPTryLocal && errors.As(err, &authErr) {
		a.logger.WithFields(logrus.Fields{
			"login": login,
			"wiki":  wiki,
		}).Debug("Directory authentication failed, trying local profile")

		local, localErr := a.observe(models.SourceLocal, func() (*models.Principal, error) {
			return a.authenticateLocal(ctx, login, password, wiki)
		})
		if localErr == nil {
			return local, nil
		}
		var storageErr *StorageError
		if errors.As(localErr, &storageErr) {
			return nil, localErr
		}
	}

	return principal, err
}

// observe records the attempt's duration and outcome
func (a *Authenticator) observe(source string, fn func() (*models.Principal, error)) (*models.Principal, error) {
	start := time.Now()
	principal, err := fn()

	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidCredentials):
		result = "invalid_credentials"
	case errors.Is(err, ErrDirectoryUnavailable):
		result = "unavailable"
	default:
		result = "error"
	}

	metrics.AuthAttemptsTotal.WithLabelValues(source, result).Inc()
	metrics.AuthDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	return principal, err
}

func (a *Authenticator) authenticateLDAP(ctx context.Context, login, password, wiki string) (*models.Principal, error) {
	identity, err := a.directory.Verify(ctx, login, password)
	if err != nil {
		return nil, &AuthenticationError{Login: login, Err: directoryError(err)}
	}

	p, err := a.provision(ctx, wiki, identity)
	if err != nil {
		return nil, err
	}

	principal := models.NewPrincipal(wiki, p.FullName, models.SourceLDAP)
	principal.Groups = a.mappedGroups(ctx, identity)

	a.logger.WithFields(logrus.Fields{
		"login":     login,
		"principal": principal.Name,
		"groups":    principal.Groups,
	}).Info("User authenticated against directory")
	return principal, nil
}

// directoryError maps ldap package errors onto the authentication sentinels
func directoryError(err error) error {
	if errors.Is(err, ldapdir.ErrInvalidCredentials) || errors.Is(err, ldapdir.ErrUserNotFound) {
		return ErrInvalidCredentials
	}
	return &directoryFailure{cause: err}
}

// directoryFailure matches ErrDirectoryUnavailable and unwraps to the ldap error
type directoryFailure struct {
	cause error
}

func (e *directoryFailure) Error() string {
	if errors.Is(e.cause, ldapdir.ErrUnavailable) {
		return e.cause.Error()
	}
	return ErrDirectoryUnavailable.Error() + ": " + e.cause.Error()
}

func (e *directoryFailure) Is(target error) bool {
	return target == ErrDirectoryUnavailable
}

func (e *directoryFailure) Unwrap() error {
	return e.cause
}

// lockKey groups every uid that cleans to the same page name within a wiki
func lockKey(wiki, uid string) string {
	return wiki + "\x00" + strings.ToLower(CleanName(uid))
}

// provision finds or creates the profile bound to identity and applies its attributes
func (a *Authenticator) provision(ctx context.Context, wiki string, identity *models.DirectoryIdentity) (*models.UserProfile, error) {
	unlock := a.locks.Lock(lockKey(wiki, identity.UID))
	defer unlock()

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		p, state, err := a.resolve(ctx, wiki, identity)
		if err != nil {
			return nil, err
		}

		err = a.apply(ctx, p, identity, state)
		if errors.Is(err, profile.ErrAlreadyExists) {
			a.logger.WithFields(logrus.Fields{
				"uid":       identity.UID,
				"full_name": p.FullName,
				"attempt":   attempt,
			}).Debug("Profile created concurrently, resolving again")
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	return nil, &StorageError{
		Op:  "create",
		Err: fmt.Errorf("gave up after %d attempts: %w", maxCreateAttempts, profile.ErrAlreadyExists),
	}
}

// resolve picks the profile for identity: an already bound profile wins,
// otherwise the first free or adoptable name in the suffix walk
func (a *Authenticator) resolve(ctx context.Context, wiki string, identity *models.DirectoryIdentity) (*models.UserProfile, resolution, error) {
	bound, err := a.store.Search(ctx, wiki, profile.Filter{
		ClassName:  models.LDAPProfileClassName,
		Field:      models.LDAPFieldUID,
		Value:      identity.UID,
		IgnoreCase: true,
	})
	if err != nil {
		return nil, resolvedBound, &StorageError{Op: "search", Err: err}
	}
	if len(bound) > 0 {
		if len(bound) > 1 {
			a.logger.WithFields(logrus.Fields{
				"uid":     identity.UID,
				"matches": len(bound),
			}).Warn("Several profiles are bound to the same uid, using the first")
		}
		return bound[0], resolvedBound, nil
	}

	base := CleanName(identity.UID)
	if base == "" {
		return nil, resolvedBound, &StorageError{
			Op:  "resolve",
			Err: fmt.Errorf("uid %q has no characters usable in a page name", identity.UID),
		}
	}

	for i := 0; i < maxCandidates; i++ {
		page := base
		if i > 0 {
			page = fmt.Sprintf("%s_%d", base, i)
		}
		fullName := a.config.UserFullName(page)

		existing, err := a.store.Get(ctx, wiki, fullName)
		if errors.Is(err, profile.ErrNotFound) {
			return models.NewUserProfile(wiki, fullName), resolvedNew, nil
		}
		if err != nil {
			return nil, resolvedBound, &StorageError{Op: "get", Err: err}
		}

		switch {
		case existing.HasLDAPFacet():
			if strings.EqualFold(existing.LDAPUID(), identity.UID) {
				return existing, resolvedBound, nil
			}
		case existing.IsUser():
			return existing, resolvedAdopted, nil
		}

		metrics.CollisionSuffixesTotal.Inc()
		a.logger.WithFields(logrus.Fields{
			"uid":       identity.UID,
			"full_name": fullName,
		}).Debug("Profile name taken, trying next suffix")
	}

	return nil, resolvedBound, &StorageError{
		Op:  "resolve",
		Err: fmt.Errorf("no free profile name for uid %q after %d candidates", identity.UID, maxCandidates),
	}
}

// apply writes directory data into the profile and persists it when needed.
// A lost create race comes back as profile.ErrAlreadyExists.
func (a *Authenticator) apply(ctx context.Context, p *models.UserProfile, identity *models.DirectoryIdentity, state resolution) error {
	if state == resolvedBound && !a.config.LDAPUpdateUser {
		return nil
	}

	changed := a.MapAttributes(p, identity)

	fields := logrus.Fields{
		"uid":       identity.UID,
		"full_name": p.FullName,
		"wiki":      p.Wiki,
		"state":     state.String(),
	}

	if p.IsNew {
		if err := a.store.Create(ctx, p); err != nil {
			if errors.Is(err, profile.ErrAlreadyExists) {
				return err
			}
			return &StorageError{Op: "create", Err: err}
		}
		metrics.ProfilesCreatedTotal.Inc()
		a.logger.WithFields(fields).Info("Profile created")
		return nil
	}

	if !changed {
		return nil
	}

	if err := a.store.Save(ctx, p); err != nil {
		return &StorageError{Op: "save", Err: err}
	}
	if state == resolvedAdopted {
		metrics.ProfilesAdoptedTotal.Inc()
		a.logger.WithFields(fields).Info("Existing profile adopted")
	} else {
		metrics.ProfilesUpdatedTotal.WithLabelValues("login").Inc()
		a.logger.WithFields(fields).Debug("Profile updated from directory")
	}
	return nil
}

// MapAttributes copies mapped directory attributes into the user object and
// records the directory binding. Only fields declared by the user class are
// written and the password never is. It reports whether anything changed.
func (a *Authenticator) MapAttributes(p *models.UserProfile, identity *models.DirectoryIdentity) bool {
	changed := !p.IsUser()
	user := p.EnsureObject(models.UserClassName)

	fields := make([]string, 0, len(a.config.FieldsMapping))
	for field := range a.config.FieldsMapping {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		if field == models.PasswordField || !a.userClass.HasField(field) {
			continue
		}
		value := identity.Attribute(a.config.FieldsMapping[field])
		if value == "" {
			continue
		}
		if user.Set(field, value) {
			changed = true
		}
	}

	// a direct bind reports the uid as typed; keep the stored casing
	uid := identity.UID
	if stored := p.LDAPUID(); stored != "" && strings.EqualFold(stored, uid) {
		uid = stored
	}
	if p.SetLDAPFacet(identity.DN, uid) {
		changed = true
	}
	return changed
}

// RefreshProfile applies fresh directory data to a bound profile and saves it
// when something changed. It holds the same per-uid lock as logins.
func (a *Authenticator) RefreshProfile(ctx context.Context, wiki, fullName string, identity *models.DirectoryIdentity) (bool, error) {
	unlock := a.locks.Lock(lockKey(wiki, identity.UID))
	defer unlock()

	p, err := a.store.Get(ctx, wiki, fullName)
	if err != nil {
		return false, &StorageError{Op: "get", Err: err}
	}

	if !a.MapAttributes(p, identity) {
		return false, nil
	}
	if err := a.store.Save(ctx, p); err != nil {
		return false, &StorageError{Op: "save", Err: err}
	}

	metrics.ProfilesUpdatedTotal.WithLabelValues("sync").Inc()
	return true, nil
}

// mappedGroups returns the local groups whose mapped directory group lists identity
func (a *Authenticator) mappedGroups(ctx context.Context, identity *models.DirectoryIdentity) []string {
	groups := []string{}
	if len(a.config.GroupMapping) == 0 {
		return groups
	}

	names := make([]string, 0, len(a.config.GroupMapping))
	for name := range a.config.GroupMapping {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		groupDN := a.config.GroupMapping[name]
		members, err := cache.GetWithFetch(ctx, a.groups, groupDN, a.config.LDAPGroupCacheExpiration, a.directory.GroupMembers)
		if err != nil {
			a.logger.WithError(err).WithFields(logrus.Fields{
				"group":    name,
				"group_dn": groupDN,
			}).Warn("Failed to resolve group members")
			continue
		}
		if ldapdir.IsMember(members, identity) {
			groups = append(groups, name)
		}
	}
	return groups
}
