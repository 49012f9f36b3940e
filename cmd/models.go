package main

import (
	"fmt"
	"text/tabwriter"

	"chatrelay/internal/config"
	"chatrelay/internal/models"

	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the model table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Get()
			registry := models.NewRegistry(cfg.Models, cfg.Relay.DefaultModel)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tNAME\tCREDITS/1K\tDEFAULT")
			for _, m := range registry.List() {
				def := ""
				if m.Default {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", m.Key, m.DisplayName, m.CreditsPer1KToken, def)
			}
			return w.Flush()
		},
	}
}
