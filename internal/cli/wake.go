package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/config"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/constitution"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/controller"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/journal"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/notify"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/proposer"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/store"
)

// newWakeCmd runs one wake cycle in-process, without the daemon. The
// store-backed lease still guarantees exclusion against a running daemon.
func newWakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wake",
		Short: "Run one wake cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := store.Open(home)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			var prop proposer.Proposer = proposer.StubProposer{}
			if url, key := os.Getenv("WAKED_LLM_URL"), os.Getenv("OPENAI_API_KEY"); url != "" && key != "" {
				prop = proposer.NewLLMProposer(proposer.LLMOpts{
					BaseURL: url,
					APIKey:  key,
					Model:   os.Getenv("WAKED_LLM_MODEL"),
				})
			}
			ctrl := &controller.Controller{
				Store:     st,
				Proposer:  prop,
				Notifier:  notify.FromEnv(),
				Journal:   &journal.Journal{Home: home},
				RulesPath: constitution.Path(home),
			}

			res, err := ctrl.Wake(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Wake %d: %s\n", res.WakeCount, res.Outcome)
			if res.Action != "" {
				_, _ = fmt.Fprintf(out, "  action:         %s\n", res.Action)
			}
			if res.TaskID != "" {
				_, _ = fmt.Fprintf(out, "  task:           %s\n", res.TaskID)
			}
			if res.Classification != "" {
				_, _ = fmt.Fprintf(out, "  classification: %s\n", res.Classification)
			}
			if res.Reason != "" {
				_, _ = fmt.Fprintf(out, "  reason:         %s\n", res.Reason)
			}
			return nil
		},
	}
	return cmd
}
