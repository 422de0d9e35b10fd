package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/pomosync/internal/config"
)

var loginCmd = &cobra.Command{
	Use:   "login [token]",
	Short: "Store an API token in ~/.pomorc",
	Long: `Store an API token in ~/.pomorc.

The token is taken from the argument or read from stdin. A running
'pomo watch' that gave up for lack of a token connects once it is written.

Examples:
  pomo login eyJhbGciOi...         # Token as argument
  pbpaste | pomo login             # Token from stdin`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) == 1 {
		token = args[0]
	} else {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return NewExitError(ExitUsage, "no token given")
		}
		token = line
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return NewExitError(ExitUsage, "no token given")
	}

	creds := config.NewCredentials("")
	if creds.Path() == "" {
		return NewExitError(ExitGeneric, "cannot locate home directory for %s", config.CredentialsFileName)
	}
	if err := creds.WriteToken(token); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", creds.Path())
	return nil
}
