package cmd

import (
	"fmt"

	"chatcore/provider"

	"github.com/spf13/cobra"
)

func newModelsCmd(a *app) *cobra.Command {
	var match string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models offered by the configured endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.client()
			if err != nil {
				return err
			}
			models, err := client.ListModels(cmd.Context())
			if err != nil {
				return fmt.Errorf("list models: %w", err)
			}
			if match != "" {
				models = provider.RankModels(match, models)
			}

			out := cmd.OutOrStdout()
			if len(models) == 0 {
				_, err := fmt.Fprintln(out, DimStyle.Render("no models found"))
				return err
			}
			for _, m := range models {
				line := m
				if m == client.Model() {
					line = AccentStyle.Render(m) + DimStyle.Render(" (current)")
				}
				if _, err := fmt.Fprintln(out, line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&match, "match", "", "show only the closest matches to this name")
	return cmd
}
