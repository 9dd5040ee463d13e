package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newStatsCommand(connect connectFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print settlement counts and totals per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, _ := cmd.Flags().GetString("group")

			backend, ctx, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()

			summary, err := backend.GetSummary(ctx, groupID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().StringP("group", "g", "", "group id")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}
