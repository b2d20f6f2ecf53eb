// s3orm - an object store ORM with a PostgreSQL compatible front end
//
// Records live as JSON objects in S3, GCS, MinIO or a local directory.
// Indexes are plain keys next to them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/adrianmcphee/s3orm"
	"github.com/adrianmcphee/s3orm/internal/export"
	"github.com/adrianmcphee/s3orm/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	dataDir    string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "s3orm",
		Short:         "Object store ORM with a PostgreSQL wire front end",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&g.dataDir, "data", "", "Data directory, selects the filesystem backend")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(g),
		newExportCmd(g),
		newReindexCmd(g),
		newSweepCmd(g),
		newHealthCmd(g),
	)
	return root
}

// loadConfig reads the config file and S3ORM_* variables, then applies
// command line overrides
func (g *globalFlags) loadConfig() (*s3orm.Config, error) {
	cfg, err := s3orm.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dataDir != "" {
		if err := os.MkdirAll(g.dataDir, s3orm.DefaultDirPermissions); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		cfg.Backend.Type = s3orm.BackendFilesystem
		cfg.Backend.Path = g.dataDir
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, cfg.Validate()
}

// open opens the DB and loads every stored schema
func (g *globalFlags) open(ctx context.Context, opts ...s3orm.Option) (*s3orm.DB, *s3orm.Config, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := s3orm.Open(ctx, *cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if _, err := db.LoadSchemas(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, cfg, nil
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		port           int
		metricsAddr    string
		sweepInterval  time.Duration
		healthInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the PostgreSQL wire server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			metrics := s3orm.NewPrometheusMetrics(registry)

			db, cfg, err := g.open(ctx, s3orm.WithMetrics(metrics))
			if err != nil {
				return err
			}
			defer db.Close()
			logger := db.Logger()

			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Server.MetricsAddr = metricsAddr
			}

			if cfg.Server.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
				mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
					if err := db.Ping(r.Context()); err != nil {
						http.Error(w, err.Error(), http.StatusServiceUnavailable)
						return
					}
					fmt.Fprintln(w, "OK")
				})
				httpServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server failed", "error", err)
					}
				}()
				defer httpServer.Close()
				logger.Info("metrics listening", "addr", cfg.Server.MetricsAddr)
			}

			if sweepInterval > 0 {
				sweeper := s3orm.NewExpirySweeper(db).WithInterval(sweepInterval)
				if err := sweeper.Start(ctx); err != nil {
					return err
				}
				defer sweeper.Stop()
			}
			if healthInterval > 0 {
				monitor := s3orm.NewIndexHealthMonitor(db).WithInterval(healthInterval)
				if err := monitor.Start(ctx); err != nil {
					return err
				}
				defer monitor.Stop()
			}

			server := protocol.NewServer(fmt.Sprintf(":%d", cfg.Server.Port), db)
			return server.Start(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", s3orm.DefaultServerPort, "Port to listen on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve /metrics and /health on this address")
	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", time.Minute, "Expiry sweep interval, 0 disables")
	cmd.Flags().DurationVar(&healthInterval, "health-interval", 0, "Index health check interval, 0 disables")
	return cmd
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var ddlOnly, dataOnly bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export schema and data as PostgreSQL SQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ddlOnly && dataOnly {
				return errors.New("--ddl-only and --data-only are mutually exclusive")
			}
			ctx := cmd.Context()
			db, _, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			var output string
			switch {
			case ddlOnly:
				output, err = export.ExportDDL(ctx, db)
			case dataOnly:
				output, err = export.ExportData(ctx, db)
			default:
				output, err = export.Export(ctx, db)
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), output)
			return err
		},
	}
	cmd.Flags().BoolVar(&ddlOnly, "ddl-only", false, "Export only schema (no data)")
	cmd.Flags().BoolVar(&dataOnly, "data-only", false, "Export only data (no schema)")
	return cmd
}

func newReindexCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex [model...]",
		Short: "Rebuild the indexes of the named models, or of every model",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, _, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			models := args
			if len(models) == 0 {
				models = db.Registry().Models()
			}
			out := cmd.OutOrStdout()
			for _, name := range models {
				m, err := db.Model(name)
				if err != nil {
					return err
				}
				report, err := m.CleanIndices(ctx)
				if err != nil {
					return fmt.Errorf("reindex %s: %w", name, err)
				}
				fmt.Fprintf(out, "%s: %d records, %d entries, max id %d, %s\n",
					report.Model, report.Records, report.Entries, report.MaxID, report.Duration.Round(time.Millisecond))
				for _, c := range report.Conflicts {
					fmt.Fprintf(out, "  conflict: %s\n", c)
				}
				for _, e := range report.Errors {
					fmt.Fprintf(out, "  error: %s\n", e)
				}
			}
			return nil
		},
	}
}

func newSweepCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep [model...]",
		Short: "Remove expired records once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, _, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			removed, err := s3orm.NewExpirySweeper(db, args...).SweepOnce(ctx)
			names := make([]string, 0, len(removed))
			for name := range removed {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d expired\n", name, removed[name])
			}
			return err
		},
	}
}

func newHealthCmd(g *globalFlags) *cobra.Command {
	var sampleSize int
	var repair bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Sample every model and report index drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, _, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			reports, err := s3orm.NewIndexHealthMonitor(db).
				WithSampleSize(sampleSize).
				WithAutoRepair(repair).
				CheckAll(ctx)
			for _, r := range reports {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: sampled %d, missing %d, orphaned %d, drift %.1f%%\n",
					r.Model, r.TotalSampled, r.Missing, r.Orphaned, r.DriftPercentage)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&sampleSize, "sample", 100, "Records sampled per model")
	cmd.Flags().BoolVar(&repair, "repair", false, "Rebuild models whose drift exceeds the threshold")
	return cmd
}
