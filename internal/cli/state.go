package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/config"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/toolkit"
	"github.com/optimus-fulcria/wake-cycle-kagent/pkg/models"
)

func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or update agent state",
	}
	cmd.AddCommand(newStateShowCmd())
	cmd.AddCommand(newStateFocusCmd())
	return cmd
}

func newStateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current agent state",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tk := &toolkit.Toolkit{Store: st}
			state, err := tk.ReadState(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			lastWake := "never"
			if !state.LastWake.IsZero() {
				lastWake = state.LastWake.UTC().Format(time.RFC3339)
			}
			_, _ = fmt.Fprintf(out, "version:               %d\n", state.Version)
			_, _ = fmt.Fprintf(out, "wake count:            %d\n", state.WakeCount)
			_, _ = fmt.Fprintf(out, "last wake:             %s\n", lastWake)
			_, _ = fmt.Fprintf(out, "current focus:         %s\n", state.CurrentFocus)
			_, _ = fmt.Fprintf(out, "active tasks:          %s\n", strings.Join(state.ActiveTasks, ", "))
			_, _ = fmt.Fprintf(out, "accomplishments today: %d\n", state.AccomplishmentsToday)
			_, _ = fmt.Fprintf(out, "total accomplishments: %d\n", state.TotalAccomplishments)
			_, _ = fmt.Fprintf(out, "tasks completed:       %d\n", state.TasksCompleted)
			_, _ = fmt.Fprintf(out, "notifications sent:    %d\n", state.NotificationsSent)
			return nil
		},
	}
	return cmd
}

func newStateFocusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "focus <text>",
		Short: "Set the current focus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			tk := &toolkit.Toolkit{Store: st}
			cur, err := tk.ReadState(cmd.Context())
			if err != nil {
				return err
			}
			focus := args[0]
			updated, err := tk.WriteState(cmd.Context(), cur.Version, models.StatePatch{CurrentFocus: &focus})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Focus set to %q (version %d)\n", updated.CurrentFocus, updated.Version)
			return nil
		},
	}
	return cmd
}
