package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"inferd/internal/registry"
)

func newModelsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List model manifests in the models directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := registry.LoadDir(o.cfg.ModelsDir)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tVARIANT\tCONTEXT\tADAPTERS\tDRAFT\tPATH")
			for _, m := range ms {
				api := m.Model()
				draft := api.Draft
				if draft == "" {
					draft = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					api.ID, api.Variant, humanize.Comma(int64(api.ContextWindow)), len(api.Adapters), draft, api.Path)
			}
			return tw.Flush()
		},
	}
}
