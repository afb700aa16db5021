package cli

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/config"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/toolkit"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage the backlog",
	}
	cmd.AddCommand(newTaskAddCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskUpdateCmd())
	return cmd
}

func newTaskAddCmd() *cobra.Command {
	var description string
	var priority string

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a pending task to the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tk := &toolkit.Toolkit{Store: st}
			t, err := tk.AddTask(cmd.Context(), args[0], description, priority)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added task %s (%s, %s)\n", t.ID, t.Priority, t.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Task description")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Priority: low, normal, high, urgent")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backlog tasks, ordered by priority then age",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tk := &toolkit.Toolkit{Store: st}
			tasks, err := tk.ReadBacklog(cmd.Context(), status, limit)
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Status", "Created"})
			for _, t := range tasks {
				created := ""
				if !t.CreatedAt.IsZero() {
					created = t.CreatedAt.UTC().Format(time.RFC3339)
				}
				tw.AppendRow(table.Row{t.ID, t.Title, t.Priority, t.Status, created})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Status filter (pending, in_progress, blocked, complete, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Max tasks to list")
	return cmd
}

func newTaskUpdateCmd() *cobra.Command {
	var status string
	var notes string

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Transition a task to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if status == "" {
				return fmt.Errorf("--status is required")
			}
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tk := &toolkit.Toolkit{Store: st}
			t, err := tk.UpdateTask(cmd.Context(), args[0], status, notes)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Task %s is now %s\n", t.ID, t.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "New status (pending, in_progress, blocked, complete, failed)")
	cmd.Flags().StringVar(&notes, "notes", "", "Notes to append")
	return cmd
}
