package cli

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/config"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/toolkit"
	"github.com/optimus-fulcria/wake-cycle-kagent/pkg/models"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and append to the accomplishment ledger",
	}
	cmd.AddCommand(newLedgerListCmd())
	cmd.AddCommand(newLedgerLogCmd())
	return cmd
}

func newLedgerListCmd() *cobra.Command {
	var sinceStr string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger records, newest first (default: today)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var since time.Time
			if sinceStr != "" {
				t, err := time.Parse(time.RFC3339, sinceStr)
				if err != nil {
					return fmt.Errorf("--since must be RFC3339: %w", err)
				}
				since = t
			}

			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tk := &toolkit.Toolkit{Store: st}
			recs, err := tk.QueryAccomplishments(cmd.Context(), since, limit)
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"ID", "Time", "Category", "Impact", "Task", "Description"})
			for _, r := range recs {
				tw.AppendRow(table.Row{
					r.RecordID,
					r.Timestamp.UTC().Format(time.RFC3339),
					r.Category,
					r.Impact,
					r.TaskID,
					r.Description,
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&sinceStr, "since", "", "Only records at or after this RFC3339 time (default: today UTC)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max records to list")
	return cmd
}

func newLedgerLogCmd() *cobra.Command {
	var category string
	var impact string
	var taskID string

	cmd := &cobra.Command{
		Use:   "log <description>",
		Short: "Append an accomplishment record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tk := &toolkit.Toolkit{Store: st}
			id, err := tk.LogAccomplishment(cmd.Context(), models.Accomplishment{
				TaskID:      taskID,
				Category:    category,
				Description: args[0],
				Impact:      impact,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logged record %d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "work", "Record category")
	cmd.Flags().StringVar(&impact, "impact", "medium", "Impact: low, medium, high")
	cmd.Flags().StringVar(&taskID, "task", "", "Related task id")
	return cmd
}
