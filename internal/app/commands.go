package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hitoshi/crmigrate/internal/database"
	"github.com/hitoshi/crmigrate/internal/transform"
)

// NewRootCmd はルートコマンドを生成する。
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           "crmigrate",
		Short:         "Import legacy CRM CSV exports into PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")

	cmd.AddCommand(newImportCmd(&logLevel))
	cmd.AddCommand(newMigrateCmd(&logLevel))
	cmd.AddCommand(newEntitiesCmd())
	return cmd
}

// importFlags はimportコマンドのフラグ。指定されたものだけ環境変数の値を上書きする。
type importFlags struct {
	source      string
	dryRun      bool
	reportPath  string
	batchSize   int
	workers     int
	metricsAddr string
}

func newImportCmd(logLevel *string) *cobra.Command {
	var flags importFlags

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run the import pipeline over every entity in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := Init(cmd.ErrOrStderr(), *logLevel)
			if err != nil {
				return err
			}

			fs := cmd.Flags()
			if fs.Changed("source") {
				cfg.Source = flags.source
			}
			if fs.Changed("dry-run") {
				cfg.DryRun = flags.dryRun
			}
			if fs.Changed("report") {
				cfg.ReportPath = flags.reportPath
			}
			if fs.Changed("batch-size") {
				cfg.BatchSize = flags.batchSize
			}
			if fs.Changed("workers") {
				cfg.SinkWorkers = flags.workers
			}
			if fs.Changed("metrics-addr") {
				cfg.MetricsAddr = flags.metricsAddr
			}

			return runImport(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.source, "source", "", "source directory or http(s) base URL (SOURCE)")
	fs.BoolVar(&flags.dryRun, "dry-run", false, "write to an in-memory sink instead of PostgreSQL (DRY_RUN)")
	fs.StringVar(&flags.reportPath, "report", "", "write the report to PATH (.json, .yaml, .yml or .xlsx) (REPORT_PATH)")
	fs.IntVar(&flags.batchSize, "batch-size", 0, "records per sink batch (BATCH_SIZE)")
	fs.IntVar(&flags.workers, "workers", 0, "concurrent sink batches (SINK_WORKERS)")
	fs.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve /metrics, /health and /report on ADDR (METRICS_ADDR)")
	return cmd
}

func newMigrateCmd(logLevel *string) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the destination schema migrations to DATABASE_URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := Init(cmd.ErrOrStderr(), *logLevel)
			if err != nil {
				return err
			}
			if err := cfg.ValidateMigrate(); err != nil {
				return err
			}

			if down {
				logger.Info("マイグレーションを取り消します",
					slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
				)
				if err := database.RollbackMigrations(cfg.DatabaseURL); err != nil {
					return fmt.Errorf("migration rollback failed: %w", err)
				}
				logger.Info("マイグレーションを取り消しました")
				return nil
			}

			logger.Info("マイグレーションを実行します",
				slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
			)
			version, err := database.RunMigrations(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			logger.Info("マイグレーションが完了しました", slog.Uint64("version", uint64(version)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back every migration (drops the destination tables)")
	return cmd
}

func newEntitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entities",
		Short: "List the entity types in processing order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ORDER\tENTITY\tFILE\tTABLE\tREFERENCES")
			for i, spec := range transform.Specs() {
				refs := make([]string, 0, len(spec.References()))
				for _, r := range spec.References() {
					refs = append(refs, string(r))
				}
				if len(refs) == 0 {
					refs = append(refs, "-")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, spec.Entity, spec.File, spec.Table, strings.Join(refs, ","))
			}
			return tw.Flush()
		},
	}
}
