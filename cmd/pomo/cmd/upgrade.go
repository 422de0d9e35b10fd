package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/pomosync/internal/update"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Upgrade pomo to the latest version",
	Long:  `Upgrade pomo to the latest version by downloading and installing the newest release.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Current version: %s\n", Version)

		method := update.DetectInstallMethod()
		if method == update.InstallHomebrew {
			fmt.Fprintln(out, "\npomo was installed via Homebrew.")
			fmt.Fprintln(out, update.UpdateInstructions(method))
			return nil
		}

		fmt.Fprintln(out, "Checking for updates...")

		release, hasUpdate, err := update.CheckForUpdate(Version)
		if err != nil {
			return NewExitError(ExitGeneric, "Failed to check for updates: %v", err)
		}
		if !hasUpdate {
			fmt.Fprintln(out, "Already at latest version.")
			return nil
		}

		fmt.Fprintf(out, "Updating to %s...\n", release.Version)
		if err := update.Update(Version); err != nil {
			return NewExitError(ExitGeneric, "Update failed: %v\n%s", err, update.UpdateInstructions(method))
		}

		fmt.Fprintf(out, "Successfully updated to %s\n", release.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
}
