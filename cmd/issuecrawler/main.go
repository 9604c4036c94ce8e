package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/IssueCrawler/internal/checkpoint"
	"github.com/TobiSchelling/IssueCrawler/internal/config"
	"github.com/TobiSchelling/IssueCrawler/internal/database"
	"github.com/TobiSchelling/IssueCrawler/internal/jira"
	"github.com/TobiSchelling/IssueCrawler/internal/llm"
	"github.com/TobiSchelling/IssueCrawler/internal/output"
	"github.com/TobiSchelling/IssueCrawler/internal/pipeline"
	"github.com/TobiSchelling/IssueCrawler/internal/server"
	"github.com/TobiSchelling/IssueCrawler/internal/transform"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = slog.New(slog.DiscardHandler)
	closeLog   = func() error { return nil }
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		// A second signal kills the process.
		<-ctx.Done()
		stop()
	}()
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeLog()

	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(pipeline.ExitFailed)
}

var rootCmd = &cobra.Command{
	Use:           "issuecrawler",
	Short:         "Resumable issue tracker ingestion",
	Long:          "IssueCrawler pages through issue tracker projects, checkpoints its progress and writes one training record per issue.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := config.ParseLevel(cfg.Logging.Level)
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLog = config.SetupLogger(cfg.Logging.File, level)
		logger.Debug("config loaded", "path", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "issuecrawler", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/issuecrawler/",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Fprintf(out, "Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Fprintf(out, "Created config: %s\n", target)
		fmt.Fprintln(out, "Edit it to set the tracker URL, projects and output locations.")
		return nil
	},
}

// --- run command ---

var (
	runProjects  []string
	runReset     bool
	runOutputDir string
	runDryRun    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch, transform and write issues for the configured projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		projects := cfg.Tracker.Projects
		if cmd.Flags().Changed("projects") {
			projects = config.NormalizeProjects(runProjects)
		}
		if len(projects) == 0 {
			return errors.New("no projects to run")
		}
		outputDir := cfg.Output.Dir
		if runOutputDir != "" {
			outputDir = runOutputDir
		}

		store := checkpoint.NewStore(cfg.Checkpoint.Dir, cfg.Checkpoint.MaxErrors, logger)
		client := jira.NewHTTPClient(cfg.Scraping.MaxPoolConnections, cfg.Scraping.RequestTimeout)
		fetcher := jira.NewFetcher(client, jira.OptionsFromConfig(cfg), logger)
		transformer := transform.New(cfg.Transform, newSummarizer(ctx))

		var ledger pipeline.Ledger
		db, err := openDB()
		if err != nil {
			logger.Warn("run ledger unavailable, continuing without history", "error", err)
		} else {
			defer db.Close()
			ledger = db
		}

		pipe := pipeline.New(cfg, store, fetcher, transformer, pipeline.Options{
			OutputDir: outputDir,
			Ledger:    ledger,
			Observer:  newConsoleObserver(out),
			Logger:    logger,
		})

		if runDryRun {
			plan, err := pipe.DryRun(projects, runReset)
			if err != nil {
				return err
			}
			printPlan(out, plan)
			return nil
		}

		summary := pipe.Run(ctx, projects, runReset)
		printSummary(out, summary)

		if code := summary.ExitCode(); code != pipeline.ExitOK {
			if code == pipeline.ExitInterrupted {
				fmt.Fprintln(out, "\nInterrupted. Run the same command again to resume.")
			}
			return &exitError{code: code}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runProjects, "projects", nil, "Comma-separated project keys (overrides config)")
	runCmd.Flags().BoolVar(&runReset, "reset", false, "Clear checkpoints and rotate output before running")
	runCmd.Flags().StringVar(&runOutputDir, "output-dir", "", "Override the output directory")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Show what would be done without executing")
}

func newSummarizer(ctx context.Context) transform.Summarizer {
	if !cfg.Transform.Summarization.Enabled || cfg.Transform.Summarization.Strategy != "llm" {
		return nil
	}
	provider := llm.CreateProvider(ctx, cfg.LLM, logger)
	if provider == nil {
		logger.Warn("llm summarization requested but no provider is available, using extractive summaries")
	}
	return transform.NewLLMSummarizer(provider, cfg.LLM.MaxTokens, logger)
}

func printPlan(out io.Writer, plan []pipeline.PlanItem) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tPROCESSED\tNEXT OFFSET\tOUTPUT LINES\tACTION")
	for _, it := range plan {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t[dry-run] %s\n",
			it.SourceID, it.Checkpoint.ProcessedCount, it.Checkpoint.NextOffset, it.OutputLines, it.Action)
	}
	tw.Flush()
}

func printSummary(out io.Writer, s *pipeline.Summary) {
	fmt.Fprintf(out, "\nRun %s: %s\n\n", s.RunID, s.Status())
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSTATUS\tNEW\tDUPLICATES\tINVALID\tNEXT OFFSET\tTOTAL\tREQUESTS\tRATE LIMITS")
	for _, r := range s.Sources {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.SourceID, r.Status, r.New, r.Duplicates, r.Invalid, r.NextOffset, r.TotalRecords,
			r.Stats.Requests, r.Stats.RateLimitHits)
	}
	tw.Flush()
	for _, r := range s.Sources {
		if r.Err != nil {
			fmt.Fprintf(out, "  %s: %v\n", r.SourceID, r.Err)
		}
	}
}

// --- status command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint progress and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		store := checkpoint.NewStore(cfg.Checkpoint.Dir, cfg.Checkpoint.MaxErrors, logger)
		cps, err := store.List()
		if err != nil {
			return fmt.Errorf("listing checkpoints: %w", err)
		}

		fmt.Fprintf(out, "Checkpoints (%s):\n", store.Dir())
		if len(cps) == 0 {
			fmt.Fprintln(out, "  none")
		} else {
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "  SOURCE\tPROCESSED\tTOTAL\tNEXT OFFSET\tCOMPLETED\tERRORS\tUPDATED")
			for _, cp := range cps {
				s := cp.Summary()
				fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\t%t\t%d\t%s\n",
					s.SourceID, s.ProcessedCount, s.TotalRecords, s.NextOffset, s.Completed,
					s.ErrorCount, s.LastUpdated.Local().Format(time.DateTime))
			}
			tw.Flush()
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		runs, err := db.ListRuns(5)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}

		fmt.Fprintln(out, "\nRecent runs:")
		if len(runs) == 0 {
			fmt.Fprintln(out, "  none")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintf(out, "  %s  %-11s  %s  new=%d  [%s]\n",
				r.StartedAt, r.Status, r.ID, r.NewRecords, strings.Join(r.Sources, ", "))
		}
		return nil
	},
}

// --- reset command ---

var resetCmd = &cobra.Command{
	Use:   "reset PROJECT...",
	Short: "Clear checkpoints and rotate output so projects are fetched from scratch",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		store := checkpoint.NewStore(cfg.Checkpoint.Dir, cfg.Checkpoint.MaxErrors, logger)
		now := time.Now()
		for _, p := range config.NormalizeProjects(args) {
			if err := store.Reset(p); err != nil {
				return fmt.Errorf("resetting %s: %w", p, err)
			}
			rotated, err := output.Rotate(cfg.Output.Dir, p, now)
			if err != nil {
				return fmt.Errorf("resetting %s: %w", p, err)
			}
			if rotated != "" {
				fmt.Fprintf(out, "%s: checkpoint cleared, output moved to %s\n", p, rotated)
			} else {
				fmt.Fprintf(out, "%s: checkpoint cleared\n", p)
			}
		}
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		store := checkpoint.NewStore(cfg.Checkpoint.Dir, cfg.Checkpoint.MaxErrors, logger)
		fmt.Fprintf(cmd.OutOrStdout(), "Dashboard on http://127.0.0.1:%d (Ctrl+C to stop)\n", port)
		return server.Serve(cmd.Context(), db, store, port, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

func openDB() (*database.DB, error) {
	dbPath := filepath.Join(cfg.GetDataDir(), database.FileName)
	db, err := database.Open(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening run ledger: %w", err)
	}
	return db, nil
}
