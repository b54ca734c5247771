// Package main is the driftline CLI: a local-first sync daemon and the
// commands that talk to it.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var configPath string

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "driftline", "config.yaml")
	}
	return "driftline.yaml"
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "driftline",
		Short:         "Offline-first sync engine",
		Long:          "driftline queues local mutations while offline and replays them against the sync server when connectivity returns.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"path to the config file")

	root.AddCommand(
		newDaemonCmd(),
		newStatusCmd(),
		newQueueCmd(),
		newResolveCmd(),
		newSyncCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "driftline:", err)
		os.Exit(1)
	}
}
