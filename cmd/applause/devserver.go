package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/Amund211/applause/internal/adapters/clapservice"
	"github.com/Amund211/applause/internal/ratelimiting"
	"github.com/spf13/cobra"
)

func devserverCmd(opts *globalOptions) *cobra.Command {
	var addr string
	var allowedOrigins []string

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory counting service for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer r.close()

			rateLimiter, stopRateLimiter := ratelimiting.NewTokenBucketRateLimiter(
				ratelimiting.RefillInterval(time.Second),
				ratelimiting.BurstSize(60),
				time.Now,
			)
			defer stopRateLimiter()

			service := clapservice.NewMemoryClapService(r.config.PowDifficulty())
			handler, err := clapservice.NewDevServer(service, r.logger.With("component", "devserver"), clapservice.DevServerOptions{
				RateLimiter:    rateLimiter,
				AllowedOrigins: allowedOrigins,
			})
			if err != nil {
				return err
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 5 * time.Second,
			}

			go func() {
				<-r.ctx.Done()
				server.Close()
			}()

			r.logger.InfoContext(r.ctx, "Serving", "addr", addr, "difficulty", r.config.PowDifficulty())
			err = server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				r.logger.InfoContext(r.ctx, "Server shutdown")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "Address to listen on")
	cmd.Flags().StringSliceVar(&allowedOrigins, "allow-origin", nil, "Host whose pages may call the server from a browser (subdomains included)")

	return cmd
}
