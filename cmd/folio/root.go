package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/folio/internal/conf"
	"github.com/tphakala/folio/internal/logger"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "dev"
	buildDate = "unknown"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "folio",
		Short:         "Portfolio server with an offline-first cache worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (YAML)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		newServeCmd(opts),
		newCacheCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// load reads settings and builds the process logger.
func (o *rootOptions) load() (*conf.Settings, *viper.Viper, logger.Logger, error) {
	settings, v, err := conf.Load(o.configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if o.debug {
		settings.WebServer.Debug = true
		settings.Log.Level = "debug"
	}

	log := logger.NewSlogLogger(os.Stderr, logger.ParseLevel(settings.Log.Level), nil).
		With(logger.String("service", "folio"))
	return settings, v, log, nil
}
