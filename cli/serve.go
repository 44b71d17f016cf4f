// ABOUTME: serve command running the HTTP API and the recurring scheduler together
// ABOUTME: Shuts both down on SIGINT/SIGTERM, waiting for in-flight runs
package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harperreed/relsync/web"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.appFor()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched := a.scheduler()
			if !noScheduler {
				if err := sched.Start(); err != nil {
					return err
				}
			}

			server := web.NewServer(web.Options{
				Store:           a.store,
				Runner:          a.runner,
				Registry:        a.registry,
				Vault:           a.vault,
				RedirectBaseURL: a.cfg.OAuth.RedirectBaseURL,
			})

			serveErr := server.Start(ctx, a.cfg.HTTP.Address)
			if errors.Is(serveErr, http.ErrServerClosed) {
				serveErr = nil
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := sched.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("scheduled runs did not finish before shutdown")
			}

			return serveErr
		},
	}

	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve the API without running scheduled syncs")
	return cmd
}
