package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newDaemonClient()
			if err != nil {
				return err
			}

			var status statusResponse
			if err := client.call("GET", "/status", nil, &status); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "network:   %s\n", status.Network)
			fmt.Fprintf(out, "backend:   %s\n", status.Backend)
			fmt.Fprintf(out, "pending:   %d\n", status.Pending)
			fmt.Fprintf(out, "failed:    %d\n", status.Failed)
			fmt.Fprintf(out, "conflicts: %d\n", status.Conflicts)
			if status.LastSyncAt > 0 {
				fmt.Fprintf(out, "last sync: %s (%d ok, %d failed)\n",
					time.UnixMilli(status.LastSyncAt).Format(time.RFC3339),
					status.LastSyncSucceeded, status.LastSyncFailed)
			}
			return nil
		},
	}
}
