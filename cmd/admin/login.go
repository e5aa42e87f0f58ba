package main

import (
	"fmt"
	"strings"

	"github.com/devplatform/wiki-auth/internal/client"
	"github.com/spf13/cobra"
)

var (
	loginEndpoint string
	loginWiki     string
)

var loginCmd = &cobra.Command{
	Use:   "login <login> <password>",
	Short: "Log into a running service and print the principal",
	Long: `Login authenticates against the GraphQL API, prints the resulting principal
and logs out again. It is meant as a smoke test after deployment.`,
	Args: cobra.ExactArgs(2),
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginEndpoint, "endpoint", "http://localhost:8080/graphql", "GraphQL endpoint")
	loginCmd.Flags().StringVar(&loginWiki, "wiki", "", "Wiki to log into (default: the service's main wiki)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	c := client.NewClient(loginEndpoint, setupLogger())

	payload, err := c.Login(cmd.Context(), args[0], args[1], loginWiki)
	if err != nil {
		return err
	}

	me, err := c.Me(cmd.Context())
	if err != nil {
		return fmt.Errorf("session not usable: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Principal: %s\n", me.Name)
	fmt.Fprintf(cmd.OutOrStdout(), "Source:    %s\n", me.Source)
	if len(me.Groups) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Groups:    %s\n", strings.Join(me.Groups, ", "))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Expires:   %s\n", payload.ExpiresAt.Format("2006-01-02 15:04:05 MST"))

	return c.Logout(cmd.Context())
}
