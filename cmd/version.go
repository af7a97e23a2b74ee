package cmd

import (
	"fmt"

	"github.com/raid-guild/dungeon-master-worker/dungeonmaster"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			dungeonmaster.Version,
			dungeonmaster.CommitSHA,
			dungeonmaster.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
