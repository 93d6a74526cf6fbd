package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/folio/internal/conf"
	"github.com/tphakala/folio/internal/datastore"
	"github.com/tphakala/folio/internal/datastore/repository"
	"github.com/tphakala/folio/internal/errors"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune stored cache generations",
	}
	cmd.AddCommand(newCacheListCmd(opts), newCachePurgeCmd(opts))
	return cmd
}

func openStorage(opts *rootOptions) (repository.CacheStorage, *conf.Settings, error) {
	settings, _, log, err := opts.load()
	if err != nil {
		return nil, nil, err
	}
	if settings.Storage.Backend == conf.StorageMemory {
		return nil, nil, errors.Newf("storage backend %q keeps nothing between runs", conf.StorageMemory).
			Component("cli").
			Category(errors.CategoryConfiguration).
			Build()
	}
	store, err := datastore.Open(settings.Storage, false, log)
	if err != nil {
		return nil, nil, err
	}
	return store, settings, nil
}

func newCacheListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cache generations and their entry counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, settings, err := openStorage(opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()
			names, err := store.Names(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "GENERATION\tENTRIES\tCONFIGURED")
			for _, name := range names {
				count, err := store.Count(ctx, name)
				if err != nil {
					return err
				}
				current := ""
				if name == settings.Offline.Generation {
					current = "yes"
				}
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", name, count, current)
			}
			return w.Flush()
		},
	}
}

func newCachePurgeCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "purge [generation...]",
		Short: "Delete cache generations; without arguments, every stale one",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, settings, err := openStorage(opts)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()
			targets := args
			if len(targets) == 0 {
				names, err := store.Names(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					if all || name != settings.Offline.Generation {
						targets = append(targets, name)
					}
				}
			}

			for _, name := range targets {
				deleted, err := store.Delete(ctx, name)
				if err != nil {
					return err
				}
				if deleted {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
				} else {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "no such generation %s\n", name)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also delete the configured generation")
	return cmd
}
