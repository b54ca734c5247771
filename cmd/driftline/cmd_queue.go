package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/models"
)

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the sync queue",
	}
	queueCmd.AddCommand(
		newQueueListCmd(),
		newQueueRetryCmd(),
		newQueueClearCmd(),
	)
	return queueCmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newDaemonClient()
			if err != nil {
				return err
			}

			var snap models.Snapshot
			if err := client.call("GET", "/queue", nil, &snap); err != nil {
				return err
			}

			if len(snap.Items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENTITY\tOP\tSTATUS\tATTEMPTS\tCREATED")
			for _, item := range snap.Items {
				fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%d\t%s\n",
					item.ID,
					item.EntityType, item.EntityID,
					item.Operation,
					item.Status,
					item.Attempts,
					time.UnixMilli(item.CreatedAt).Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newQueueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id>",
		Short: "Re-arm a failed mutation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newDaemonClient()
			if err != nil {
				return err
			}

			var item models.QueueItem
			if err := client.call("POST", "/queue/"+args[0]+"/retry", nil, &item); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retrying %s (%s %s/%s)\n",
				item.ID, item.Operation, item.EntityType, item.EntityID)
			return nil
		},
	}
}

func newQueueClearCmd() *cobra.Command {
	var all bool

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove synced mutations from the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newDaemonClient()
			if err != nil {
				return err
			}

			path := "/queue/synced"
			if all {
				path = "/queue"
			}

			var resp struct {
				Removed int `json:"removed"`
			}
			if err := client.call("DELETE", path, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d items\n", resp.Removed)
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&all, "all", false, "remove every item, not just synced ones")
	return clearCmd
}
