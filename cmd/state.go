package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/docharvest/internal/state"
)

// newStateCmd groups the crawl state maintenance commands.
func newStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset the resume state",
	}
	cmd.AddCommand(newStateShowCmd(), newStateResetCmd())
	return cmd
}

func newStateShowCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print how many targets are recorded as completed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			store, err := state.Open(e.cfg.State.Path, nil, e.logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %d completed targets\n", store.Path(), store.Len())
			if list {
				for _, id := range store.Snapshot() {
					fmt.Fprintln(out, id)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print every completed target")
	return cmd
}

func newStateResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget every completed target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to reset without --yes")
			}
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			store, err := state.Open(e.cfg.State.Path, nil, e.logger)
			if err != nil {
				return err
			}
			before := store.Len()
			store.Reset()
			if err := store.Persist(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: cleared %d completed targets\n", store.Path(), before)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
