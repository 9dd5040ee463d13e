package commands

import (
	"fmt"
	"os"

	"splitledger/internal/store"
	"splitledger/internal/validator"

	"github.com/spf13/cobra"
)

func newExportCommand(connect connectFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a group's settlement history as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, _ := cmd.Flags().GetString("group")
			rawStatus, _ := cmd.Flags().GetString("status")
			rawFrom, _ := cmd.Flags().GetString("from")
			rawTo, _ := cmd.Flags().GetString("to")
			output, _ := cmd.Flags().GetString("output")

			var (
				filter store.HistoryFilter
				err    error
			)
			if filter.Statuses, err = validator.ParseStatuses(rawStatus); err != nil {
				return fmt.Errorf("--status: %w", err)
			}
			if filter.From, err = validator.ParseDate(rawFrom, false); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if filter.To, err = validator.ParseDate(rawTo, true); err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			backend, ctx, done, err := connect(cmd)
			if err != nil {
				return err
			}
			defer done()

			body, err := backend.ExportHistory(ctx, groupID, filter)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.WriteFile(output, body, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "export saved to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("group", "g", "", "group id")
	cmd.Flags().String("status", "", "comma separated statuses (default settled)")
	cmd.Flags().String("from", "", "earliest settlement date, YYYY-MM-DD or RFC 3339")
	cmd.Flags().String("to", "", "latest settlement date, YYYY-MM-DD or RFC 3339")
	cmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}
