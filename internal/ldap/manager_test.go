package ldap

import (
	"context"
	"io"
	"time"

	"github.com/devplatform/wiki-auth/internal/config"
	"github.com/devplatform/wiki-auth/internal/models"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

const (
	testBaseDN  = "o=sevenSeas"
	testAdminDN = "cn=admin,o=sevenSeas"
	hornblower  = "uid=hhornblo,ou=people,o=sevenSeas"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() *config.Config {
	return &config.Config{
		LDAPBaseDN:          testBaseDN,
		LDAPBindDN:          testAdminDN,
		LDAPBindPassword:    "secret",
		LDAPUIDAttr:         "uid",
		LDAPPoolSize:        2,
		LDAPPoolTimeout:     200 * time.Millisecond,
		LDAPConnTimeout:     time.Second,
		LDAPMaxConnLifetime: time.Hour,
		FieldsMapping: map[string]string{
			"last_name":  "sn",
			"first_name": "givenName",
			"email":      "mail",
		},
	}
}

func seededDirectory() *fakeDirectory {
	dir := newFakeDirectory(testBaseDN)
	dir.addEntry(testAdminDN, "secret", map[string][]string{"cn": {"admin"}})
	dir.addEntry(hornblower, "pass", map[string][]string{
		"uid":       {"hhornblo"},
		"cn":        {"Horatio Hornblower"},
		"sn":        {"Hornblower"},
		"givenName": {"Horatio"},
		"mail":      {"hhornblo@royalnavy.mod.uk"},
	})
	dir.addEntry("uid=jo.bloggs,ou=people,o=sevenSeas", "bloggs", map[string][]string{
		"uid": {"jo.bloggs"},
		"sn":  {"Bloggs"},
	})
	dir.addEntry("cn=crew,ou=groups,o=sevenSeas", "", map[string][]string{
		"cn":     {"crew"},
		"member": {hornblower},
	})
	return dir
}

var _ = Describe("Manager", func() {
	var (
		ctx context.Context
		dir *fakeDirectory
		cfg *config.Config
		mgr *Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = seededDirectory()
		cfg = testConfig()
	})

	AfterEach(func() {
		if mgr != nil {
			Expect(mgr.Close()).To(Succeed())
			mgr = nil
		}
	})

	newManager := func() {
		var err error
		mgr, err = NewManagerWithDialer(cfg, dir, quietLogger())
		Expect(err).NotTo(HaveOccurred())
	}

	Describe("pool", func() {
		It("pre-populates service-bound connections", func() {
			newManager()

			stats := mgr.GetStats()
			Expect(stats.PoolSize).To(Equal(2))
			Expect(stats.Available).To(Equal(2))
			Expect(stats.InUse).To(Equal(0))
			Expect(dir.bindCount(testAdminDN)).To(Equal(2))
		})

		It("fails when the directory cannot be reached", func() {
			dir.setDown(true)

			m, err := NewManagerWithDialer(cfg, dir, quietLogger())
			Expect(err).To(HaveOccurred())
			Expect(m).To(BeNil())
		})

		It("reports health and counts requests", func() {
			newManager()

			Expect(mgr.HealthCheck(ctx)).To(Succeed())
			Expect(mgr.GetStats().TotalRequests).To(Equal(1))

			dir.setDown(true)
			Expect(mgr.HealthCheck(ctx)).NotTo(Succeed())
		})

		It("recovers once the directory comes back", func() {
			newManager()

			dir.setDown(true)
			for i := 0; i < cfg.LDAPPoolSize+1; i++ {
				_, err := mgr.Verify(ctx, "hhornblo", "pass")
				Expect(err).To(MatchError(ErrUnavailable))
			}
			Expect(mgr.GetStats().Available).To(Equal(0))
			Expect(mgr.GetStats().InUse).To(Equal(0))

			dir.setDown(false)
			id, err := mgr.Verify(ctx, "hhornblo", "pass")
			Expect(err).NotTo(HaveOccurred())
			Expect(id.DN).To(Equal(hornblower))

			Expect(mgr.HealthCheck(ctx)).To(Succeed())
			_, err = mgr.FetchAttributes(ctx, "jo.bloggs")
			Expect(err).NotTo(HaveOccurred())
		})

		It("redials a slot freed by a failed health check", func() {
			newManager()

			dir.setDown(true)
			Expect(mgr.HealthCheck(ctx)).NotTo(Succeed())
			Expect(mgr.GetStats().Available).To(Equal(1))
			dir.setDown(false)

			first, err := mgr.getConnection(ctx)
			Expect(err).NotTo(HaveOccurred())
			second, err := mgr.getConnection(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.GetStats().InUse).To(Equal(2))

			mgr.returnConnection(first)
			mgr.returnConnection(second)
			Expect(mgr.GetStats()).To(Equal(&models.Stats{PoolSize: 2, Available: 2, InUse: 0, TotalRequests: 3}))
			Expect(dir.openConns()).To(Equal(2))
		})

		It("waits for a busy pool instead of growing it", func() {
			cfg.LDAPPoolSize = 1
			newManager()

			pc, err := mgr.getConnection(ctx)
			Expect(err).NotTo(HaveOccurred())

			_, err = mgr.getConnection(ctx)
			Expect(err).To(MatchError(ContainSubstring("timeout waiting for connection")))

			mgr.returnConnection(pc)
			Expect(mgr.HealthCheck(ctx)).To(Succeed())
			Expect(dir.openConns()).To(Equal(1))
		})

		It("closes every connection and refuses work afterwards", func() {
			newManager()
			Expect(mgr.Close()).To(Succeed())
			Expect(dir.openConns()).To(Equal(0))

			err := mgr.HealthCheck(ctx)
			Expect(err).To(MatchError(ContainSubstring("connection pool is closed")))
			mgr = nil
		})
	})

	Describe("Verify with search then bind", func() {
		BeforeEach(func() {
			newManager()
		})

		It("returns the entry and its mapped attributes", func() {
			id, err := mgr.Verify(ctx, "hhornblo", "pass")
			Expect(err).NotTo(HaveOccurred())
			Expect(id.DN).To(Equal(hornblower))
			Expect(id.UID).To(Equal("hhornblo"))
			Expect(id.Attribute("sn")).To(Equal("Hornblower"))
			Expect(id.Attribute("givenname")).To(Equal("Horatio"))
			Expect(dir.bindCount(hornblower)).To(Equal(1))
		})

		It("keeps the directory's casing of the uid", func() {
			id, err := mgr.Verify(ctx, "HHORNBLO", "pass")
			Expect(err).NotTo(HaveOccurred())
			Expect(id.UID).To(Equal("hhornblo"))
		})

		It("returns the pooled connection after use", func() {
			_, err := mgr.Verify(ctx, "hhornblo", "pass")
			Expect(err).NotTo(HaveOccurred())
			Expect(mgr.GetStats().Available).To(Equal(2))
			// pool connections plus none left over from the user bind
			Expect(dir.openConns()).To(Equal(2))
		})

		It("rejects a wrong password", func() {
			_, err := mgr.Verify(ctx, "hhornblo", "wrong")
			Expect(err).To(MatchError(ErrInvalidCredentials))
		})

		It("rejects an empty password without binding", func() {
			_, err := mgr.Verify(ctx, "hhornblo", "")
			Expect(err).To(MatchError(ErrInvalidCredentials))
			Expect(dir.bindCount(hornblower)).To(Equal(0))
		})

		It("rejects an unknown login", func() {
			_, err := mgr.Verify(ctx, "nobody", "pass")
			Expect(err).To(MatchError(ErrInvalidCredentials))
		})

		It("rejects a login matching several entries", func() {
			dir.addEntry("uid=hhornblo,ou=retired,o=sevenSeas", "pass", map[string][]string{
				"uid": {"hhornblo"},
			})

			_, err := mgr.Verify(ctx, "hhornblo", "pass")
			Expect(err).To(MatchError(ErrInvalidCredentials))
		})

		It("reports an unreachable directory as unavailable", func() {
			dir.setDown(true)

			_, err := mgr.Verify(ctx, "hhornblo", "pass")
			Expect(err).To(MatchError(ErrUnavailable))
		})
	})

	Describe("Verify with a bind DN template", func() {
		BeforeEach(func() {
			cfg.LDAPBindDN = "uid={0},ou=people,o=sevenSeas"
			cfg.LDAPBindPassword = "{1}"
			newManager()
		})

		It("binds as the user directly", func() {
			Expect(dir.bindCount(testAdminDN)).To(Equal(0))

			id, err := mgr.Verify(ctx, "jo.bloggs", "bloggs")
			Expect(err).NotTo(HaveOccurred())
			Expect(id.DN).To(Equal("uid=jo.bloggs,ou=people,o=sevenSeas"))
			Expect(id.UID).To(Equal("jo.bloggs"))
			Expect(id.Attribute("sn")).To(Equal("Bloggs"))
		})

		It("rejects a wrong password", func() {
			_, err := mgr.Verify(ctx, "jo.bloggs", "nope")
			Expect(err).To(MatchError(ErrInvalidCredentials))
		})
	})

	Describe("lookups", func() {
		BeforeEach(func() {
			newManager()
		})

		It("fetches attributes by uid", func() {
			id, err := mgr.FetchAttributes(ctx, "jo.bloggs")
			Expect(err).NotTo(HaveOccurred())
			Expect(id.DN).To(Equal("uid=jo.bloggs,ou=people,o=sevenSeas"))

			_, err = mgr.FetchAttributes(ctx, "ghost")
			Expect(err).To(MatchError(ErrUserNotFound))
		})

		It("lists group members", func() {
			members, err := mgr.GroupMembers(ctx, "cn=crew,ou=groups,o=sevenSeas")
			Expect(err).NotTo(HaveOccurred())
			Expect(members).To(ConsistOf(hornblower))

			_, err = mgr.GroupMembers(ctx, "cn=missing,ou=groups,o=sevenSeas")
			Expect(err).To(MatchError(ErrGroupNotFound))
		})
	})
})

var _ = Describe("Seeder", func() {
	It("creates entries that can then log in", func() {
		ctx := context.Background()
		dir := newFakeDirectory(testBaseDN)
		dir.addEntry(testAdminDN, "secret", nil)

		seeder := NewSeeder(dir, testBaseDN, quietLogger())
		Expect(seeder.WaitForReady(ctx, 10*time.Millisecond)).To(Succeed())

		data := &SeedData{
			OrganizationalUnits: []OUSpec{{Name: "people"}, {Name: "groups"}},
			Users: []UserSpec{{
				UID:        "bush",
				OU:         "people",
				CommonName: "William Bush",
				Surname:    "Bush",
				Password:   "lieutenant",
			}},
			Groups: []GroupSpec{{Name: "officers", OU: "groups", Members: []string{"bush"}}},
		}
		Expect(seeder.Seed(ctx, testAdminDN, "secret", data)).To(Succeed())
		// seeding twice keeps existing entries
		Expect(seeder.Seed(ctx, testAdminDN, "secret", data)).To(Succeed())

		mgr, err := NewManagerWithDialer(testConfig(), dir, quietLogger())
		Expect(err).NotTo(HaveOccurred())
		defer mgr.Close()

		id, err := mgr.Verify(ctx, "bush", "lieutenant")
		Expect(err).NotTo(HaveOccurred())
		Expect(id.DN).To(Equal("cn=William Bush,ou=people,o=sevenSeas"))

		members, err := mgr.GroupMembers(ctx, "cn=officers,ou=groups,o=sevenSeas")
		Expect(err).NotTo(HaveOccurred())
		Expect(members).To(ConsistOf("cn=William Bush,ou=people,o=sevenSeas"))
	})

	It("rejects unknown group members", func() {
		dir := newFakeDirectory(testBaseDN)
		dir.addEntry(testAdminDN, "secret", nil)

		seeder := NewSeeder(dir, testBaseDN, quietLogger())
		err := seeder.Seed(context.Background(), testAdminDN, "secret", &SeedData{
			Groups: []GroupSpec{{Name: "officers", OU: "groups", Members: []string{"ghost"}}},
		})
		Expect(err).To(MatchError(ContainSubstring("unknown member ghost")))
	})

	It("times out while the directory is down", func() {
		dir := newFakeDirectory(testBaseDN)
		dir.setDown(true)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := NewSeeder(dir, testBaseDN, quietLogger()).WaitForReady(ctx, 10*time.Millisecond)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})
})

var _ = Describe("IsMember", func() {
	identity := &models.DirectoryIdentity{
		DN:  "uid=hhornblo,ou=people,o=sevenSeas",
		UID: "hhornblo",
	}

	It("matches DNs regardless of case and spacing", func() {
		Expect(IsMember([]string{"UID=HHornblo, OU=People, O=SevenSeas"}, identity)).To(BeTrue())
	})

	It("matches plain uids from memberUid", func() {
		Expect(IsMember([]string{"wbush", "HHORNBLO"}, identity)).To(BeTrue())
	})

	It("rejects other members", func() {
		Expect(IsMember([]string{"uid=wbush,ou=people,o=sevenSeas", "wbush", "not a dn ="}, identity)).To(BeFalse())
		Expect(IsMember(nil, identity)).To(BeFalse())
	})
})
