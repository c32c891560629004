package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forensictl/correlate/pkg/config"
	"github.com/forensictl/correlate/pkg/detect"
	"github.com/forensictl/correlate/pkg/metrics"
	"github.com/forensictl/correlate/pkg/pipeline"
	"github.com/forensictl/correlate/pkg/table"
)

// newRunCmd builds the run subcommand. *exit receives the Run Report's
// status, translated to the process exit code the root command returns;
// cobra's Execute only distinguishes error from no-error, not the
// Completed/Cancelled/Failed split the Run Report draws.
func newRunCmd(exit *exitCode) *cobra.Command {
	var (
		configPath    string
		storeOverride string
		sources       []string
		dryRun        bool
		printDefaults bool
		wallClock     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the correlation pipeline over a set of forensic input tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printDefaults {
				out, err := config.MarshalDefaults()
				if err != nil {
					return fmt.Errorf("failed to render default config: %w", err)
				}
				fmt.Fprint(os.Stdout, string(out))
				return nil
			}

			verboseFlag, _ := cmd.Root().PersistentFlags().GetBool("verbose")
			formatFlag, _ := cmd.Root().PersistentFlags().GetString("log-format")
			addrFlag, _ := cmd.Root().PersistentFlags().GetString("metrics-addr")
			log := newLogger(verboseFlag, formatFlag)

			cfg := config.Defaults()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}
			for _, w := range cfg.Warnings() {
				log.Warn(w)
			}
			if storeOverride != "" {
				cfg.Store = storeOverride
			}

			srcs, err := parseSources(sources)
			if err != nil {
				return err
			}
			if len(srcs) == 0 {
				return fmt.Errorf("at least one --source artifact=path is required")
			}

			if dryRun {
				return runDryRun(cmd.Context(), log, cfg, srcs)
			}

			if cfg.Store == "" {
				return fmt.Errorf("no store configured: set --store or config.store")
			}

			var m *metrics.Metrics
			if addrFlag != "" {
				m = metrics.New()
				if err := m.Serve(addrFlag); err != nil {
					return fmt.Errorf("failed to start metrics listener: %w", err)
				}
				defer m.Close(cmd.Context())
			}

			driver := pipeline.NewDriver(pipeline.Config{
				Config:           cfg,
				Logger:           log,
				Metrics:          m,
				WallClockTimeout: wallClock,
			})

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			report, err := driver.Run(ctx, srcs, cfg.Store)
			if report != nil {
				*exit = exitCodeForStatus(report.Status)
			} else {
				*exit = exitFailed
			}
			if err != nil {
				log.Error("run failed", "error", err)
				return err
			}
			logReport(log, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration document")
	cmd.Flags().StringVar(&storeOverride, "store", "", "result store location (file:// or postgres://), overrides config.store")
	cmd.Flags().StringArrayVar(&sources, "source", nil, "input table as artifact=path, repeatable")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate sources and print detected column assignments without writing to the store")
	cmd.Flags().BoolVar(&printDefaults, "print-defaults", false, "print the fully-defaulted configuration as YAML and exit")
	cmd.Flags().DurationVar(&wallClock, "timeout", 0, "run-wide wall-clock bound; 0 disables it")

	return cmd
}

func exitCodeForStatus(status string) exitCode {
	switch status {
	case pipeline.StatusCancelled:
		return exitCancelled
	case pipeline.StatusFailed:
		return exitFailed
	default:
		return exitCompleted
	}
}

func parseSources(raw []string) ([]pipeline.Source, error) {
	srcs := make([]pipeline.Source, 0, len(raw))
	for _, s := range raw {
		artifact, path, ok := strings.Cut(s, "=")
		if !ok || artifact == "" || path == "" {
			return nil, fmt.Errorf("invalid --source %q, expected artifact=path", s)
		}
		srcs = append(srcs, pipeline.Source{Artifact: artifact, Path: path})
	}
	return srcs, nil
}

// runDryRun opens every source and reports its detected column
// assignment without building Evidence, correlating, or writing to a
// store, supplementing the pipeline's normal run with a validate mode.
func runDryRun(ctx context.Context, log *slog.Logger, cfg *config.Config, srcs []pipeline.Source) error {
	detector, err := detect.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to construct column detector: %w", err)
	}

	for _, src := range srcs {
		override := cfg.PrimaryTableOverride[src.Path]
		t, err := table.Open(ctx, log, src.Path, override)
		if err != nil {
			log.Error("source invalid", "source", src.Path, "artifact", src.Artifact, "error", err)
			continue
		}

		columns := make([]string, len(t.Columns()))
		for i, c := range t.Columns() {
			columns[i] = c.Name
		}
		assignment, warnings := detector.Detect(src.Artifact, t.PrimaryName, columns)
		for _, w := range warnings {
			log.Warn(w, "source", src.Path)
		}
		log.Info("source validated",
			"source", src.Path,
			"artifact", src.Artifact,
			"primary_table", t.PrimaryName,
			"row_count", t.RowCount(),
			"name_columns", assignment.Columns(detect.PurposeName),
			"path_columns", assignment.Columns(detect.PurposePath),
			"timestamp_columns", assignment.Columns(detect.PurposeTimestamp),
			"hash_columns", assignment.Columns(detect.PurposeHash),
		)
		t.Close()
	}
	return nil
}

func logReport(log *slog.Logger, report *pipeline.RunReport) {
	log.Info("run finished",
		"run_id", report.RunID,
		"status", report.Status,
		"duration", report.Duration,
		"identities", report.IdentityCount,
		"anchors", report.AnchorCount,
		"evidence", report.EvidenceCount,
		"evidence_with_anchor", report.EvidenceWithAnchor,
		"evidence_without_anchor", report.EvidenceWithoutAnchor,
		"artifacts", report.ArtifactsProcessed,
	)
	for _, w := range report.Warnings {
		log.Warn(w)
	}
}
