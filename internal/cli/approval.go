package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/config"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
	"github.com/optimus-fulcria/wake-cycle-kagent/pkg/models"
)

func newApprovalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Review deferred actions awaiting approval",
	}
	cmd.AddCommand(newApprovalListCmd())
	cmd.AddCommand(newApprovalResolveCmd("grant", models.ApprovalGranted,
		"Grant a deferred action; it executes on the next wake that re-proposes it"))
	cmd.AddCommand(newApprovalResolveCmd("deny", models.ApprovalDenied,
		"Deny a deferred action"))
	return cmd
}

func newApprovalListCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			items, err := st.ListApprovals(cmd.Context(), !all)
			if err != nil {
				return err
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"ID", "Fingerprint", "Task", "Outcome", "Created", "Summary"})
			for _, ap := range items {
				tw.AppendRow(table.Row{
					ap.ApprovalID,
					ap.Fingerprint,
					ap.TaskID,
					ap.Outcome,
					ap.CreatedAt.UTC().Format(time.RFC3339),
					ap.Summary,
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include resolved approvals")
	return cmd
}

func newApprovalResolveCmd(verb, outcome, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id-or-fingerprint>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			id, err := resolveApprovalRef(cmd.Context(), st, args[0])
			if err != nil {
				return err
			}
			if err := st.ResolveApproval(cmd.Context(), id, outcome); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Approval %d %s\n", id, outcome)
			return nil
		},
	}
}

// resolveApprovalRef accepts a numeric approval id or a fingerprint of a
// pending approval.
func resolveApprovalRef(ctx context.Context, st store.Store, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return id, nil
	}
	items, err := st.ListApprovals(ctx, true)
	if err != nil {
		return 0, err
	}
	for _, ap := range items {
		if ap.Fingerprint == ref {
			return ap.ApprovalID, nil
		}
	}
	return 0, fmt.Errorf("no pending approval with fingerprint %q", ref)
}
