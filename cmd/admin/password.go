package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/devplatform/wiki-auth/internal/auth"
	"github.com/devplatform/wiki-auth/internal/profile"
	"github.com/spf13/cobra"
)

var (
	passwordWiki  string
	passwordStdin bool
)

var setPasswordCmd = &cobra.Command{
	Use:   "set-password <page> [password]",
	Short: "Set the local password of a wiki profile",
	Long: `Set-password stores a bcrypt hash on the profile <PROFILE_SPACE>.<page>,
creating a plain user profile when none exists. Local passwords are used when
LDAP is disabled or as the fallback enabled by LDAP_TRY_LOCAL.`,
	Example: `  wikiauth-admin set-password Admin s3cret
  echo s3cret | wikiauth-admin set-password Admin --stdin`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSetPassword,
}

func init() {
	setPasswordCmd.Flags().StringVar(&passwordWiki, "wiki", "", "Wiki of the profile (default: MAIN_WIKI)")
	setPasswordCmd.Flags().BoolVar(&passwordStdin, "stdin", false, "Read the password from standard input")
}

func runSetPassword(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	password, err := readPassword(cmd, args)
	if err != nil {
		return err
	}

	wiki := passwordWiki
	if wiki == "" {
		wiki = cfg.MainWiki
	}
	fullName := cfg.UserFullName(auth.CleanName(args[0]))

	store, err := profile.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := auth.SetLocalPassword(cmd.Context(), store, wiki, fullName, password); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Password set for %s:%s\n", wiki, fullName)
	return nil
}

func readPassword(cmd *cobra.Command, args []string) (string, error) {
	if passwordStdin {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return "", fmt.Errorf("empty password")
		}
		return line, nil
	}

	if len(args) < 2 || args[1] == "" {
		return "", fmt.Errorf("a password argument or --stdin is required")
	}
	return args[1], nil
}
