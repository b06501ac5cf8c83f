package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "golang.org/x/crypto/x509roots/fallback"
)

func newRootCmd() *cobra.Command {
	var opts globalOptions

	rootCmd := &cobra.Command{
		Use:   "applause",
		Short: "Count and send claps for web pages",
		Long: `applause talks to a clap counting service.

Configuration is read from APPLAUSE_* environment variables,
optionally overlaid on the YAML file named by APPLAUSE_CONFIG_FILE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.base, "base", "", "Base URL to resolve relative page URLs against")
	rootCmd.PersistentFlags().BoolVar(&opts.telemetry, "telemetry", false, "Export traces and metrics over OTLP")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(
		countCmd(&opts),
		clapCmd(&opts),
		statusCmd(&opts),
		devserverCmd(&opts),
	)

	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
