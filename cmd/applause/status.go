package main

import (
	"fmt"

	"github.com/Amund211/applause/internal/app"
	"github.com/Amund211/applause/internal/strutils"
	"github.com/spf13/cobra"
)

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <url>",
		Short: "Print how many times this client has clapped for a page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strutils.NormalizeResourceURL(args[0], opts.base)
			if err != nil {
				return err
			}

			r, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer r.close()

			repo, err := r.repository()
			if err != nil {
				return err
			}

			record, ok := app.BuildGetClapRecord(repo)(r.ctx, key)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tnot clapped\n", key)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tclapped %d\n", key, record.Claps)
			return nil
		},
	}
}
