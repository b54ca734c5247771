package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/models"
)

func newResolveCmd() *cobra.Command {
	var choice string

	resolveCmd := &cobra.Command{
		Use:   "resolve [item-id]",
		Short: "List or resolve sync conflicts",
		Long: "Without arguments, lists unresolved conflicts. With an item ID and\n" +
			"--choice, applies that resolution to the conflicted mutation.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newDaemonClient()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				return listConflicts(cmd, client)
			}
			if choice == "" {
				return fmt.Errorf("--choice is required when resolving")
			}

			body := resolveRequest{Choice: choice}
			if err := client.call("POST", "/conflicts/"+args[0]+"/resolve", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s (%s)\n", args[0], choice)
			return nil
		},
	}
	resolveCmd.Flags().StringVar(&choice, "choice", "",
		"resolution: keep_local, keep_remote, merge, or dismiss")
	return resolveCmd
}

func listConflicts(cmd *cobra.Command, client *daemonClient) error {
	var records []models.ConflictRecord
	if err := client.call("GET", "/conflicts", nil, &records); err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no conflicts")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tENTITY\tOP\tDETECTED\tMESSAGE")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\n",
			rec.ItemID,
			rec.EntityType, rec.EntityID,
			rec.Operation,
			time.UnixMilli(rec.DetectedAt).Format(time.RFC3339),
			rec.Message)
	}
	return w.Flush()
}
