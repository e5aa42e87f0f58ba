package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devplatform/wiki-auth/internal/ldap"
	"github.com/spf13/cobra"
)

var (
	seedFile     string
	seedAdminDN  string
	seedAdminPW  string
	seedWait     time.Duration
	seedInterval time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create organizational units, users and groups in the directory",
	Long: `Seed reads a JSON file of organizational units, users and groups and adds
them under LDAP_BASE_DN. Entries that already exist are left alone, so seeding
is safe to repeat.`,
	Example: `  wikiauth-admin seed --file seed.json --admin-dn cn=admin,dc=example,dc=org --admin-password secret`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "seed.json", "Seed data file")
	seedCmd.Flags().StringVar(&seedAdminDN, "admin-dn", "", "DN to bind as (default: LDAP_BIND_DN)")
	seedCmd.Flags().StringVar(&seedAdminPW, "admin-password", "", "Password of the admin DN (default: LDAP_BIND_PASSWORD)")
	seedCmd.Flags().DurationVar(&seedWait, "wait", 2*time.Minute, "How long to wait for the directory to come up")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 2*time.Second, "Delay between readiness probes")
}

func runSeed(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := ldap.LoadSeedData(seedFile)
	if err != nil {
		return err
	}

	adminDN, adminPassword := seedAdminDN, seedAdminPW
	// a bind DN template names users, not the admin
	if adminDN == "" && !cfg.UsesDirectBind() {
		adminDN = cfg.LDAPBindDN
		if adminPassword == "" {
			adminPassword = cfg.LDAPBindPassword
		}
	}
	if adminDN == "" {
		return fmt.Errorf("an admin DN is required: pass --admin-dn")
	}

	dialer := ldap.NewURLDialer(cfg.LDAPURL(), cfg.LDAPConnTimeout)
	seeder := ldap.NewSeeder(dialer, cfg.LDAPBaseDN, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), seedWait)
	defer cancel()

	logger.WithField("url", cfg.LDAPURL()).Info("Waiting for directory")
	if err := seeder.WaitForReady(ctx, seedInterval); err != nil {
		return fmt.Errorf("directory not ready: %w", err)
	}

	if err := seeder.Seed(cmd.Context(), adminDN, adminPassword, data); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d organizational units, %d users, %d groups\n",
		len(data.OrganizationalUnits), len(data.Users), len(data.Groups))
	return nil
}
