package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCommand(connect connectFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete obsolete settlements older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, _ := cmd.Flags().GetString("group")
			days, _ := cmd.Flags().GetInt("older-than-days")
			if days <= 0 {
				return fmt.Errorf("--older-than-days must be positive")
			}

			backend, ctx, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()

			deleted, err := backend.CleanupObsolete(ctx, groupID, days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "group %s: deleted %d obsolete settlements older than %d days\n", groupID, deleted, days)
			return nil
		},
	}
	cmd.Flags().StringP("group", "g", "", "group id")
	cmd.Flags().Int("older-than-days", 30, "retention window in days")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}
