package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newToolsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List tools from the builtin actions and configured MCP servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ts, err := a.openTools(cmd.Context())
			if err != nil {
				return err
			}
			defer ts.Close()

			width := terminalWidth(cmd.OutOrStdout())
			var rows [][]string
			for _, id := range ts.router.Servers() {
				specs, err := ts.router.Discover(cmd.Context(), id)
				if err != nil {
					rows = append(rows, []string{id, "-", ErrorStyle.Render(err.Error())})
					continue
				}
				for _, s := range specs {
					rows = append(rows, []string{id, s.Name, truncate(s.Description, max(20, width-50))})
				}
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), table([]string{"SERVER", "TOOL", "DESCRIPTION"}, rows))
			return err
		},
	}
}
