// Package cli implements the waked command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/config"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "waked",
		Short:        "waked is the wake-cycle controller for a single autonomous agent",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override waked home directory (default: ~/.waked, env: WAKED_HOME)")

	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newWakeCmd())

	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newStateCmd())
	cmd.AddCommand(newLedgerCmd())
	cmd.AddCommand(newApprovalCmd())
	cmd.AddCommand(newConstitutionCmd())
	cmd.AddCommand(newApikeyCmd())

	// Hidden internal subcommand used by `waked start` for background mode.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
