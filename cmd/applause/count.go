package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func countCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "count <url>",
		Short: "Print the clap count for a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer r.close()

			doc, err := r.document()
			if err != nil {
				return err
			}

			instance, err := mountReady(r.ctx, doc, args[0], opts.base)
			if err != nil {
				return err
			}
			defer instance.Detach()

			view := instance.View()
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", instance.ResourceKey(), view.Total)
			if view.Disabled {
				fmt.Fprintf(cmd.ErrOrStderr(), "claps are disabled: %s\n", view.DisabledReason)
			}
			return nil
		},
	}
}
