package main

import (
	"github.com/spf13/cobra"

	"github.com/exploopio/deprisk/pkg/config"
)

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  "Prints defaults merged with --config and DRP_* environment overrides. Credentials are masked.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			return config.WriteYAML(cmd.OutOrStdout(), cfg)
		},
	}
}
