//go:build integration

package ldap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startOpenLDAP runs an OpenLDAP server for dc=example,dc=org and returns its URL.
func startOpenLDAP(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "osixia/openldap:1.5.0",
		ExposedPorts: []string{"389/tcp"},
		Env: map[string]string{
			"LDAP_ORGANISATION":   "Seven Seas",
			"LDAP_DOMAIN":         "example.org",
			"LDAP_ADMIN_PASSWORD": "admin",
			"LDAP_TLS":            "false",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("389/tcp"),
			wait.ForLog("slapd starting").WithStartupTimeout(60*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start OpenLDAP container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "389/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("ldap://%s:%s", host, port.Port())
}

func TestIntegration_SeedAndVerify(t *testing.T) {
	url := startOpenLDAP(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	const baseDN = "dc=example,dc=org"
	const adminDN = "cn=admin,dc=example,dc=org"

	dialer := NewURLDialer(url, 5*time.Second)
	seeder := NewSeeder(dialer, baseDN, quietLogger())
	require.NoError(t, seeder.WaitForReady(ctx, time.Second))

	require.NoError(t, seeder.Seed(ctx, adminDN, "admin", &SeedData{
		OrganizationalUnits: []OUSpec{{Name: "people"}, {Name: "groups"}},
		Users: []UserSpec{
			{UID: "hhornblo", OU: "people", CommonName: "Horatio Hornblower", Surname: "Hornblower", GivenName: "Horatio", Email: "hhornblo@royalnavy.mod.uk", Password: "pass"},
			{UID: "user.with.points", OU: "people", CommonName: "User With Points", Surname: "Points", Password: "pass"},
		},
		Groups: []GroupSpec{{Name: "crew", OU: "groups", Members: []string{"hhornblo"}}},
	}))

	cfg := testConfig()
	cfg.LDAPBaseDN = baseDN
	cfg.LDAPBindDN = adminDN
	cfg.LDAPBindPassword = "admin"

	mgr, err := NewManagerWithDialer(cfg, dialer, quietLogger())
	require.NoError(t, err)
	defer mgr.Close()

	require.NoError(t, mgr.HealthCheck(ctx))

	id, err := mgr.Verify(ctx, "HHornblo", "pass")
	require.NoError(t, err)
	assert.Equal(t, "hhornblo", id.UID)
	assert.Equal(t, "Hornblower", id.Attribute("sn"))
	assert.Equal(t, "hhornblo@royalnavy.mod.uk", id.Attribute("mail"))

	_, err = mgr.Verify(ctx, "hhornblo", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = mgr.Verify(ctx, "hhornblo", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	id, err = mgr.Verify(ctx, "user.with.points", "pass")
	require.NoError(t, err)
	assert.Equal(t, "user.with.points", id.UID)

	members, err := mgr.GroupMembers(ctx, "cn=crew,ou=groups,"+baseDN)
	require.NoError(t, err)
	assert.Contains(t, members, "cn=Horatio Hornblower,ou=people,"+baseDN)
}
