package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"splitledger/internal/config"
	"splitledger/internal/db"
	"splitledger/internal/logging"
	"splitledger/internal/services"
	"splitledger/internal/store"

	"github.com/spf13/cobra"
)

// Backend is the slice of the settlement service the CLI drives.
type Backend interface {
	RecalculateSettlements(ctx context.Context, groupID string, opts services.RecalculateOptions) (services.CalculationResult, error)
	CleanupObsolete(ctx context.Context, groupID string, retentionDays int) (int64, error)
	ExportHistory(ctx context.Context, groupID string, filter store.HistoryFilter) ([]byte, error)
	GetSummary(ctx context.Context, groupID string) (services.StatusSummary, error)
}

// OpenFunc builds a backend from the loaded config. The returned func
// releases whatever it opened.
type OpenFunc func(cfg config.Config) (Backend, func(), error)

// NewRootCommand wires every subcommand against open.
func NewRootCommand(open OpenFunc) *cobra.Command {
	var configPath string
	var timeout time.Duration

	root := &cobra.Command{
		Use:   "settlectl",
		Short: "Operate the splitledger settlement engine",
		Long: `settlectl runs settlement maintenance against the database directly:
recalculating a group's active batch, pruning obsolete rows, exporting
history as CSV and printing status summaries.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is ./config.yaml or $SPLITLEDGER_CONFIG)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "deadline for the whole command")

	connect := func(cmd *cobra.Command) (Backend, context.Context, func(), error) {
		if configPath != "" {
			if err := os.Setenv("SPLITLEDGER_CONFIG", configPath); err != nil {
				return nil, nil, nil, err
			}
		}
		cfg, err := config.Load()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load config: %w", err)
		}
		backend, closeBackend, err := open(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		return backend, ctx, func() {
			cancel()
			closeBackend()
		}, nil
	}

	root.AddCommand(
		newRecalculateCommand(connect),
		newCleanupCommand(connect),
		newExportCommand(connect),
		newStatsCommand(connect),
	)
	return root
}

type connectFunc func(cmd *cobra.Command) (Backend, context.Context, func(), error)

// OpenDatabase is the production OpenFunc: a direct database connection with
// no event publishing.
func OpenDatabase(cfg config.Config) (Backend, func(), error) {
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName+"-ctl", cfg.AppEnv)
	service := services.NewSettlementService(
		db.NewTxRunner(database),
		database,
		store.NewSettlementStore(database),
		store.NewLedgerStore(database),
		store.NewMemberStore(database),
		store.NewAuditStore(database),
		services.Options{Logger: logger},
	)
	return service, func() { _ = database.Close() }, nil
}
