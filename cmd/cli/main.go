package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"safety-monitor/internal/config"
	"safety-monitor/internal/monitor"
	"safety-monitor/internal/pipeline"
	"safety-monitor/internal/prompts"
	"safety-monitor/internal/provider"
	"safety-monitor/internal/storage"
)

var (
	configPath  string
	promptsFile string
	promptArgs  []string
	limit       int
	workers     int
	outputPath  string
	exportPath  string
	preview     int
	verbose     bool

	reviewer    string
	inputLabel  string
	outputLabel string
	note        string
)

func main() {
	root := &cobra.Command{
		Use:   "safety-monitor",
		Short: "Run prompts through the safety pipeline: input classification, answer generation, output classification",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
			if !verbose {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (defaults to CONFIG_PATH or configs/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Process a batch of prompts",
		RunE:  runBatch,
	}
	runCmd.Flags().StringVar(&promptsFile, "prompts-file", "", "Text file with one prompt per line")
	runCmd.Flags().StringArrayVar(&promptArgs, "prompt", nil, "Prompt text (repeatable); overrides --prompts-file")
	runCmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of prompts to process (0 = all)")
	runCmd.Flags().IntVar(&workers, "workers", 0, "Worker pool size (0 = config value)")
	runCmd.Flags().StringVar(&outputPath, "output", "", "Write a JSON export of the results to this path")
	runCmd.Flags().IntVar(&preview, "preview", 5, "How many results to preview on stdout")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "interactive",
		Short: "Process prompts one at a time from stdin",
		RunE:  runInteractive,
	})

	reviewCmd := &cobra.Command{
		Use:   "review [result-id]",
		Short: "Apply a human review override to a result",
		Args:  cobra.ExactArgs(1),
		RunE:  runReview,
	}
	reviewCmd.Flags().StringVar(&reviewer, "reviewer", "", "Reviewer identity (required)")
	reviewCmd.Flags().StringVar(&inputLabel, "input-label", "", "Override input label (SAFE or TOXIC)")
	reviewCmd.Flags().StringVar(&outputLabel, "output-label", "", "Override output label (SAFE or TOXIC)")
	reviewCmd.Flags().StringVar(&note, "note", "", "Free-text review note")
	root.AddCommand(reviewCmd)

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE:  runList,
	})

	exportCmd := &cobra.Command{
		Use:   "export [run-id]",
		Short: "Export a run's results to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	exportCmd.Flags().StringVar(&exportPath, "output", "pipeline_results.json", "Export file path")
	root.AddCommand(exportCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		log.Info().Msg("no config file found, using defaults")
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// openStore connects to the run store when a DSN is configured.
// Unavailability at startup is fatal; without a DSN the pipeline runs
// unpersisted, which matches how ad hoc evaluations are done.
func openStore(ctx context.Context, cfg *config.Config) (*storage.DB, error) {
	if cfg.Database.DSN == "" {
		log.Warn().Msg("no database configured, results will not be persisted")
		return nil, nil
	}
	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("run store unavailable: %w", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func buildService(cfg *config.Config, db *storage.DB, metrics *monitor.Metrics) (*pipeline.Service, error) {
	providers, err := provider.Build(cfg)
	if err != nil {
		return nil, err
	}

	seq := pipeline.NewSequencer(providers, pipeline.SequencerOptions{
		ProviderTimeout: cfg.Pipeline.ProviderTimeout,
		Metrics:         metrics,
	})

	snap, _ := json.Marshal(map[string]any{
		"input_classifier":  cfg.Providers.InputClassifier,
		"generator":         cfg.Providers.Generator,
		"output_classifier": cfg.Providers.OutputClassifier,
		"workers":           cfg.Pipeline.Workers,
	})

	var store pipeline.Store
	if db != nil {
		store = db
	}
	return pipeline.NewService(seq, store, pipeline.ServiceOptions{
		Workers:        cfg.Pipeline.Workers,
		Models:         providers.ModelTag(),
		ConfigSnapshot: snap,
		Metrics:        metrics,
	}), nil
}

// signalContext cancels on SIGINT/SIGTERM so a batch stops dequeuing
// new items while in-flight ones finish or fail as cancelled.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runBatch(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workers > 0 {
		cfg.Pipeline.Workers = workers
	}

	var batch []pipeline.Prompt
	sourceTag := prompts.SourceCustomCLI
	switch {
	case len(promptArgs) > 0:
		batch = prompts.FromList(promptArgs)
	case promptsFile != "":
		sourceTag = prompts.SourceCustomFile
		batch, err = prompts.FromFile(promptsFile, limit)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("provide --prompt or --prompts-file")
	}
	if limit > 0 && limit < len(batch) {
		batch = batch[:limit]
	}
	if len(batch) == 0 {
		return fmt.Errorf("no prompts to process")
	}

	ctx, stop := signalContext()
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	service, err := buildService(cfg, db, monitor.NewMetrics())
	if err != nil {
		return err
	}

	run, err := service.NewRun(ctx, sourceTag)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	results, summary := service.RunBatch(ctx, run, batch)

	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("creating export file: %w", err)
		}
		if err := storage.WriteExport(f, run, results); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		log.Info().Str("path", outputPath).Msg("results exported")
	}

	previewResults(results, preview)
	printSummary(run, summary)
	return nil
}

func runInteractive(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	service, err := buildService(cfg, db, monitor.NewMetrics())
	if err != nil {
		return err
	}

	run, err := service.NewRun(ctx, prompts.SourceInteractive)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	summary, err := service.RunInteractive(ctx, run, os.Stdin, os.Stdout)
	if summary != nil {
		printSummary(run, summary)
	}
	return err
}

func runReview(_ *cobra.Command, args []string) error {
	if reviewer == "" {
		return fmt.Errorf("--reviewer is required")
	}
	if inputLabel == "" && outputLabel == "" && note == "" {
		return fmt.Errorf("provide --input-label, --output-label, or --note")
	}
	for _, label := range []string{inputLabel, outputLabel} {
		if label != "" && !provider.Label(label).Valid() {
			return fmt.Errorf("label %q: must be SAFE or TOXIC", label)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for review")
	}

	ctx, stop := signalContext()
	defer stop()

	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("run store unavailable: %w", err)
	}
	defer db.Close()

	req := storage.ReviewRequest{ResultID: args[0], Reviewer: reviewer}
	if inputLabel != "" {
		req.InputLabel = &inputLabel
	}
	if outputLabel != "" {
		req.OutputLabel = &outputLabel
	}
	if note != "" {
		req.Note = &note
	}

	applied, err := db.ApplyReview(ctx, req)
	if err != nil {
		return err
	}
	if applied {
		fmt.Println("review applied")
	} else {
		fmt.Println("review unchanged (already identical)")
	}
	return nil
}

func runList(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for list")
	}

	ctx, stop := signalContext()
	defer stop()

	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("run store unavailable: %w", err)
	}
	defer db.Close()

	runs, err := db.ListRuns(ctx, 25)
	if err != nil {
		return err
	}

	for _, row := range runs {
		fmt.Printf("%s  %s  %-12s  results=%d flagged=%d/%d answered=%d reviewed=%d failed=%d\n",
			row.Run.ID,
			row.Run.CreatedAt.Format(time.RFC3339),
			row.Run.Status,
			row.ResultCount, row.InputFlagged, row.OutputFlagged,
			row.Answered, row.Reviewed, row.Failed,
		)
	}
	return nil
}

func runExport(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for export")
	}

	ctx, stop := signalContext()
	defer stop()

	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("run store unavailable: %w", err)
	}
	defer db.Close()

	if err := db.ExportRun(ctx, args[0], exportPath); err != nil {
		return err
	}
	fmt.Printf("exported run %s to %s\n", args[0], exportPath)
	return nil
}

func previewResults(results []*pipeline.Result, n int) {
	for i, res := range results {
		if i >= n {
			break
		}
		fmt.Printf("%d. [%s] input=%s", i+1, res.Status, labelOrDash(res))
		if res.Output != nil {
			fmt.Printf(" output=%s", res.Output.Label)
		}
		fmt.Printf("\n   Prompt: %s\n", clip(res.Prompt, 80))
		if res.Answer != nil {
			fmt.Printf("   Answer: %s\n", clip(res.Answer.Text, 80))
		}
		if res.Error != nil {
			fmt.Printf("   Error:  %s (%s)\n", res.Error.Message, res.Error.Cause)
		}
		fmt.Println()
	}
}

func printSummary(run *pipeline.Run, summary *pipeline.Summary) {
	fmt.Printf("run %s: %d prompts", run.ID, summary.Total)
	fmt.Printf(" | flagged input=%d output=%d | answered=%d", summary.InputFlagged, summary.OutputFlagged, summary.Answered)
	if failed := summary.ByStatus[pipeline.StatusFailed]; failed > 0 {
		fmt.Printf(" | failed=%d", failed)
	}
	fmt.Println()
}

func labelOrDash(res *pipeline.Result) string {
	if res.Input == nil {
		return "-"
	}
	return string(res.Input.Label)
}

func clip(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
