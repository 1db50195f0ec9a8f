package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/exploopio/deprisk/pkg/sources"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the advisory sources and the ecosystems they cover",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKEY\tECOSYSTEMS\tDESCRIPTION")
			for _, info := range sources.Available() {
				ecos := make([]string, len(info.Ecosystems))
				for i, eco := range info.Ecosystems {
					ecos[i] = string(eco)
				}
				key := "-"
				if info.NeedsKey {
					key = "optional"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, key, strings.Join(ecos, ","), info.Description)
			}
			return w.Flush()
		},
	}
}
