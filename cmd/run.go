package cmd

import (
	"log"

	"github.com/raid-guild/dungeon-master-worker/dungeonmaster"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the DungeonMaster bot and status API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			dm, err := dungeonmaster.New(cfg)
			if err != nil {
				log.Fatalf("error creating dungeonmaster: %s", err.Error())
			}

			if err = dm.Run(ctx); err != nil {
				log.Fatalf("error running dungeonmaster: %s", err.Error())
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(runCmd)
}
