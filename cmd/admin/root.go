package main

import (
	"fmt"
	"os"
	"time"

	"github.com/devplatform/wiki-auth/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags)
	version   = "dev"
	gitCommit = "unknown"

	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "wikiauth-admin",
	Short: "Administration tool for the wiki authentication service",
	Long: `wikiauth-admin seeds a directory with test entries, sets local passwords on
wiki profiles and checks logins against a running service.

Configuration is read from the environment (and .env) like the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "wikiauth-admin %s (commit: %s)\n", version, gitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(setPasswordCmd)
	rootCmd.AddCommand(loginCmd)
}

func setupLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	logger.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// loadConfig reads the service configuration without requiring a JWT secret,
// which no admin command needs
func loadConfig() (*config.Config, error) {
	if os.Getenv("JWT_SECRET") == "" {
		os.Setenv("JWT_SECRET", "unused-by-admin-commands")
	}
	return config.Process()
}
