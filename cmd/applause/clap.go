package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func clapCmd(opts *globalOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "clap <url>",
		Short: "Clap for a page and wait for the claps to be committed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1, got %d", count)
			}

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

			for i := 0; i < count; i++ {
				if err := instance.Clap(); err != nil {
					return fmt.Errorf("failed to clap: %w", err)
				}
			}

			// Submits without waiting for the debounce
			if err := doc.Close(r.ctx); err != nil {
				return err
			}

			view := instance.View()
			if view.Pending > 0 {
				if view.Err == nil {
					return fmt.Errorf("%d claps were not committed", view.Pending)
				}
				return fmt.Errorf("%d claps were not committed: %w", view.Pending, view.Err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", instance.ResourceKey(), view.Total)
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of claps")

	return cmd
}
