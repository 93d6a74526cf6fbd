package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tphakala/folio/internal/app"
	"github.com/tphakala/folio/internal/conf"
	"github.com/tphakala/folio/internal/logger"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the site, the worker script and the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, v, log, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				settings.WebServer.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, settings, version, log)
			if err != nil {
				return err
			}

			if opts.configPath != "" {
				conf.Watch(v, func(s *conf.Settings) {
					log.Info("config changed, checking worker script")
					a.Reload(context.WithoutCancel(ctx), s)
				}, func(err error) {
					log.Warn("ignoring invalid config change", logger.Error(err))
				})
			}

			return a.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address, overrides webserver.listen")
	return cmd
}
