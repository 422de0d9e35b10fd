package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of pomo",
	Long:  `Print the version number of pomo.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pomo %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
