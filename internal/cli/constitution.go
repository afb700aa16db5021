package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/optimus-fulcria/wake-cycle-kagent/internal/config"
	"github.com/optimus-fulcria/wake-cycle-kagent/internal/constitution"
)

func newConstitutionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "constitution",
		Short: "Inspect the action policy",
	}
	cmd.AddCommand(newConstitutionInitCmd())
	cmd.AddCommand(newConstitutionShowCmd())
	cmd.AddCommand(newConstitutionCheckCmd())
	return cmd
}

func newConstitutionInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default constitution file",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			path := constitution.Path(home)
			if err := constitution.WriteDefault(path); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func newConstitutionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			rules, err := constitution.LoadFile(constitution.Path(home))
			if err != nil {
				return err
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"#", "Pattern", "Classification", "Reason"})
			for i, r := range rules.Rules {
				tw.AppendRow(table.Row{i + 1, r.Pattern, string(r.Classification), r.Reason})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func newConstitutionCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <action>",
		Short: "Classify an action name against the active rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			rules, err := constitution.LoadFile(constitution.Path(home))
			if err != nil {
				return err
			}
			d := rules.Classify(args[0])
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%s: %s\n", args[0], d.Classification)
			if d.MatchedRule != "" {
				_, _ = fmt.Fprintf(out, "  rule:   %s\n", d.MatchedRule)
			}
			if d.Reason != "" {
				_, _ = fmt.Fprintf(out, "  reason: %s\n", d.Reason)
			}
			return nil
		},
	}
	return cmd
}
