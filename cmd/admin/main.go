package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "admin",
		Short:         "Operator tools for the pairchat backend",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(newEndSessionCmd(&configPath))
	cmd.AddCommand(newDeleteRoomCmd(&configPath))
	cmd.AddCommand(newQueueStatsCmd(&configPath))
	cmd.AddCommand(newReportCmd(&configPath))
	return cmd
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
