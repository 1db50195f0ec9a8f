package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/exploopio/deprisk/pkg/cache"
	"github.com/exploopio/deprisk/pkg/errors"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clean the persistent response cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print entry counts and sizes as JSON",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSQLite(a, func(db *cache.SQLite) error {
					st, err := db.Stats(cmd.Context())
					if err != nil {
						return errors.E(errors.KindInternal, "deprisk.cache.stats", "read stats", err)
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				})
			},
		},
		&cobra.Command{
			Use:   "purge",
			Short: "Delete expired entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSQLite(a, func(db *cache.SQLite) error {
					n, err := db.PurgeExpired(cmd.Context())
					if err != nil {
						return errors.E(errors.KindInternal, "deprisk.cache.purge", "purge expired entries", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired entries\n", n)
					return nil
				})
			},
		},
	)
	return cmd
}

func withSQLite(a *app, fn func(db *cache.SQLite) error) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if cfg.Cache.Path == "" {
		return errors.E(errors.KindConfiguration, "deprisk.cache", "cache.path is empty; there is no persistent cache")
	}
	db, err := cache.NewSQLite(&cache.SQLiteConfig{
		Path:   cfg.Cache.Path,
		TTL:    cfg.Cache.TTL,
		Logger: a.logger(cfg),
	})
	if err != nil {
		return errors.E(errors.KindInternal, "deprisk.cache", "open cache", err)
	}
	defer db.Close()
	return fn(db)
}
