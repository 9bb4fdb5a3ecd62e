package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/logarc-io/logarc/internal/archive"
	"github.com/logarc-io/logarc/internal/config"
	"github.com/logarc-io/logarc/internal/engine"
	"github.com/logarc-io/logarc/internal/repositories"
	"github.com/logarc-io/logarc/internal/retention"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes, stable for scripting:
//
//	0 — success
//	2 — configuration invalid
//	3 — transient failure (processing errors, archive unreachable)
//	4 — fatal: archive credentials rejected
const (
	exitOK         = 0
	exitConfig     = 2
	exitProcessing = 3
	exitArchive    = 4
)

type cliFlags struct {
	configPath   string
	strictConfig bool
	dbDriver     string
	dbURI        string
	provider     string
	logLevel     string
	metricsAddr  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit codes. An unreachable
// archive is transient (a rerun can succeed), so it shares exit 3 with
// processing failures; rejected credentials need operator action and get
// the fatal code.
func exitCode(err error) int {
	var vErr *config.ValidationError
	if errors.As(err, &vErr) {
		return exitConfig
	}
	if errors.Is(err, archive.ErrAuth) {
		return exitArchive
	}
	return exitProcessing
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:   "logarc",
		Short: "logarc — time-windowed API log batching and archival engine",
		Long: `logarc batches captured API request/response records into hourly
windows, masks sensitive values, serializes and compresses each window, and
uploads the artifact to a local directory, S3, GCS or Azure Blob container.
Run without a subcommand it starts the scheduler and keeps running; the
subcommands execute single steps and exit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), flags)
		},
	}

	root.AddCommand(
		newRunHourlyCmd(flags),
		newProcessHourCmd(flags),
		newCreateJobsCmd(flags),
		newRetryCmd(flags),
		newRetentionCmd(flags),
		newStatusCmd(flags),
		newValidateCmd(flags),
		newVersionCmd(),
	)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", envOrDefault("LOGARC_CONFIG", ""), "Path to the YAML configuration file")
	pf.BoolVar(&flags.strictConfig, "strict-config", false, "Treat unknown configuration keys as errors")
	pf.StringVar(&flags.dbDriver, "db-driver", envOrDefault("LOGARC_DB_DRIVER", ""), "Database driver (sqlite or postgres), overrides the config file")
	pf.StringVar(&flags.dbURI, "db-uri", envOrDefault("LOGARC_DB_URI", ""), "Database DSN or file path for SQLite, overrides the config file")
	pf.StringVar(&flags.provider, "provider", envOrDefault("LOGARC_PROVIDER", ""), "Archive provider (local, s3, gcs, azure), overrides the config file")
	pf.StringVar(&flags.logLevel, "log-level", envOrDefault("LOGARC_LOG_LEVEL", ""), "Log level (debug, info, warn, error), overrides the config file")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", envOrDefault("LOGARC_METRICS_ADDR", ""), "Listen address for the Prometheus /metrics endpoint (server mode, empty disables)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("logarc %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newValidateCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, warnings, err := loadConfig(flags)
			if err != nil {
				return err
			}
			moreWarnings, err := cfg.Validate()
			for _, w := range append(warnings, moreWarnings...) {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			if err != nil {
				return err
			}
			fmt.Println("configuration is valid")
			return nil
		},
	}
}

func newRunHourlyCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run-hourly",
		Short: "Execute one hourly tick: retry sweep, then the previous hour's window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, eng *engine.Engine) error {
				eng.RunHourlyJob(ctx)
				return nil
			})
		},
	}
}

func newProcessHourCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "process-hour <date> <hour>",
		Short: "Process one specific hour window (date YYYY-MM-DD, hour 0-23)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hour, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("hour must be an integer 0-23, got %q", args[1])
			}
			return withEngine(cmd.Context(), flags, func(ctx context.Context, eng *engine.Engine) error {
				result, err := eng.ProcessSpecificHour(ctx, args[0], hour)
				if err != nil {
					return err
				}
				switch {
				case result.Skipped:
					fmt.Printf("%s %s already archived, skipped\n", result.Date, result.HourRange)
				case result.Empty:
					fmt.Printf("%s %s had no records, marked complete\n", result.Date, result.HourRange)
				default:
					fmt.Printf("%s %s archived: %d records (%d dropped), %d bytes → %s\n",
						result.Date, result.HourRange, result.Records, result.Dropped,
						result.Bytes, result.Location)
				}
				return nil
			})
		},
	}
}

func newCreateJobsCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create-jobs [date]",
		Short: "Seed the daily job with its 24 hour slots (default: today)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date := ""
			if len(args) == 1 {
				date = args[0]
			}
			return withEngine(cmd.Context(), flags, func(ctx context.Context, eng *engine.Engine) error {
				job, err := eng.CreateDailyJobs(ctx, date)
				if err != nil {
					return err
				}
				fmt.Printf("job %s: %s, %d hour slots\n", job.Date, job.Status, len(job.Hours))
				return nil
			})
		},
	}
}

func newRetryCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-process failed hour slots that still have retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, eng *engine.Engine) error {
				attempted := eng.RetryFailedJobs(ctx)
				fmt.Printf("retried %d slot(s)\n", attempted)
				return nil
			})
		},
	}
}

func newStatusCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <date>",
		Short: "Show the job and hour-slot states for a date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, eng *engine.Engine) error {
				job, err := eng.GetJobStatus(ctx, args[0])
				if err != nil {
					if errors.Is(err, repositories.ErrNotFound) {
						return fmt.Errorf("no job found for %s", args[0])
					}
					return err
				}
				fmt.Printf("job %s: %s\n", job.Date, job.Status)
				for i := range job.Hours {
					slot := &job.Hours[i]
					line := fmt.Sprintf("  %s  %-7s retries=%d", slot.HourRange, slot.Status, slot.Retries)
					if slot.FilePath != "" {
						line += "  " + slot.FilePath
					}
					if logs := slot.Logs(); len(logs) > 0 {
						line += fmt.Sprintf("  last error: %s", logs[len(logs)-1].Error)
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}
}

func newRetentionCmd(flags *cliFlags) *cobra.Command {
	retentionCmd := &cobra.Command{
		Use:   "retention",
		Short: "Retention stats, cleanup and provider lifecycle setup",
	}

	retentionCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show retention pressure per collection and for the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, eng *engine.Engine) error {
				stats, err := eng.Retention().Stats(ctx)
				if err != nil {
					return err
				}
				printStats(stats)
				return nil
			})
		},
	})

	var dbOnly, storageOnly bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Delete expired rows and artifacts now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, eng *engine.Engine) error {
				result, err := eng.Retention().Cleanup(ctx, cleanupOptions(dbOnly, storageOnly, false))
				if err != nil {
					return err
				}
				printCleanup(result)
				return nil
			})
		},
	}
	runCmd.Flags().BoolVar(&dbOnly, "db", false, "Clean only the database collections")
	runCmd.Flags().BoolVar(&storageOnly, "storage", false, "Clean only the archive store")
	retentionCmd.AddCommand(runCmd)

	var dryDBOnly, dryStorageOnly bool
	dryRunCmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Report what a cleanup would delete without deleting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, eng *engine.Engine) error {
				result, err := eng.Retention().Cleanup(ctx, cleanupOptions(dryDBOnly, dryStorageOnly, true))
				if err != nil {
					return err
				}
				printCleanup(result)
				return nil
			})
		},
	}
	dryRunCmd.Flags().BoolVar(&dryDBOnly, "db", false, "Report only the database collections")
	dryRunCmd.Flags().BoolVar(&dryStorageOnly, "storage", false, "Report only the archive store")
	retentionCmd.AddCommand(dryRunCmd)

	retentionCmd.AddCommand(&cobra.Command{
		Use:   "setup-lifecycle",
		Short: "Push the configured lifecycle policy to the archive provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, eng *engine.Engine) error {
				return eng.Retention().SetupLifecycle(ctx)
			})
		},
	})

	return retentionCmd
}

func cleanupOptions(dbOnly, storageOnly, dryRun bool) retention.Options {
	opts := retention.Options{Database: true, Storage: true, DryRun: dryRun}
	if dbOnly && !storageOnly {
		opts.Storage = false
	}
	if storageOnly && !dbOnly {
		opts.Database = false
	}
	return opts
}

func printStats(stats *retention.Stats) {
	fmt.Println("database:")
	for _, c := range stats.Database {
		ttl := "disabled"
		if c.TTLDays > 0 {
			ttl = fmt.Sprintf("%dd", c.TTLDays)
		}
		fmt.Printf("  %-8s ttl=%-8s total=%-8d expired=%d\n", c.Target, ttl, c.Total, c.Expired)
	}
	ttl := "disabled"
	if stats.Storage.TTLDays > 0 {
		ttl = fmt.Sprintf("%dd", stats.Storage.TTLDays)
	}
	fmt.Printf("storage:\n  files=%d bytes=%d ttl=%s expired=%d expiredBytes=%d\n",
		stats.Storage.Files, stats.Storage.Bytes, ttl,
		stats.Storage.Expired, stats.Storage.ExpiredBytes)
}

func printCleanup(result *retention.Result) {
	verb := "deleted"
	if result.DryRun {
		verb = "would delete"
	}
	for _, target := range []string{
		retention.TargetAPILogs, retention.TargetJobs,
		retention.TargetLogs, retention.TargetFiles,
	} {
		if n, ok := result.Deleted[target]; ok {
			fmt.Printf("%s: %s %d\n", target, verb, n)
		}
	}
	if result.Bytes > 0 {
		fmt.Printf("archive bytes: %d\n", result.Bytes)
	}
}

// runServer is the long-running mode: scheduler plus optional metrics
// endpoint, until SIGINT/SIGTERM.
func runServer(ctx context.Context, flags *cliFlags) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return withEngine(ctx, flags, func(ctx context.Context, eng *engine.Engine) error {
		if err := eng.StartScheduler(ctx); err != nil {
			return err
		}

		var metricsSrv *http.Server
		if flags.metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsSrv = &http.Server{Addr: flags.metricsAddr, Handler: mux}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics endpoint failed: %v\n", err)
				}
			}()
		}

		<-ctx.Done()

		if metricsSrv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})
}

// withEngine loads the configuration, builds the logger and engine, runs fn
// and always shuts the engine down.
func withEngine(ctx context.Context, flags *cliFlags, fn func(context.Context, *engine.Engine) error) error {
	cfg, warnings, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	for _, w := range warnings {
		logger.Warn("configuration warning", zap.String("detail", w))
	}

	eng := engine.New(cfg, logger)
	if err := eng.Init(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown failed", zap.Error(err))
		}
	}()

	return fn(ctx, eng)
}

// loadConfig merges the YAML file over the defaults and applies the flag
// overrides on top.
func loadConfig(flags *cliFlags) (*config.Config, []string, error) {
	cfg, warnings, err := config.Load(flags.configPath, flags.strictConfig)
	if err != nil {
		return nil, nil, err
	}
	if flags.dbDriver != "" {
		cfg.DBDriver = flags.dbDriver
	}
	if flags.dbURI != "" {
		cfg.DBURI = flags.dbURI
	}
	if flags.provider != "" {
		cfg.UploadProvider = flags.provider
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	return cfg, warnings, nil
}

func buildLogger(logCfg config.Logging) (*zap.Logger, error) {
	var cfg zap.Config
	if logCfg.Level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch logCfg.Level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	var paths []string
	if logCfg.EnableConsole {
		paths = append(paths, "stderr")
	}
	if logCfg.EnableFile && logCfg.LogFilePath != "" {
		paths = append(paths, logCfg.LogFilePath)
	}
	if len(paths) == 0 {
		paths = []string{"stderr"}
	}
	cfg.OutputPaths = paths

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
