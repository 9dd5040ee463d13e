package commands

import (
	"encoding/json"
	"fmt"

	"splitledger/internal/money"
	"splitledger/internal/services"

	"github.com/spf13/cobra"
)

func newRecalculateCommand(connect connectFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recalculate",
		Short: "Replace a group's active settlements with a fresh batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, _ := cmd.Flags().GetString("group")
			cleanupDays, _ := cmd.Flags().GetInt("cleanup-days")
			reason, _ := cmd.Flags().GetString("reason")
			asJSON, _ := cmd.Flags().GetBool("json")
			if cleanupDays < 0 {
				return fmt.Errorf("--cleanup-days must not be negative")
			}

			backend, ctx, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()

			result, err := backend.RecalculateSettlements(ctx, groupID, services.RecalculateOptions{
				CleanupObsoleteAfterDays: cleanupDays,
				Reason:                   reason,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			fmt.Fprintf(out, "group %s: %d settlements totalling %s, %d obsoleted\n",
				groupID, len(result.Settlements),
				money.FormatWithCurrency(result.Summary.TotalAmount, result.Summary.Currency),
				result.ObsoletedCount)
			for _, s := range result.Settlements {
				fmt.Fprintf(out, "  %s -> %s  %s\n", s.From.DisplayName, s.To.DisplayName, money.FormatWithCurrency(s.Amount, s.Currency))
			}
			return nil
		},
	}
	cmd.Flags().StringP("group", "g", "", "group id")
	cmd.Flags().Int("cleanup-days", 0, "also delete obsolete settlements older than this many days")
	cmd.Flags().String("reason", "cli", "reason recorded in the audit log")
	cmd.Flags().Bool("json", false, "print the full result as JSON")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}
