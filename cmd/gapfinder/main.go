package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/GapFinder/internal/config"
	"github.com/TobiSchelling/GapFinder/internal/database"
	"github.com/TobiSchelling/GapFinder/internal/database/postgres"
	"github.com/TobiSchelling/GapFinder/internal/ingest"
	"github.com/TobiSchelling/GapFinder/internal/jobs"
	"github.com/TobiSchelling/GapFinder/internal/logger"
	"github.com/TobiSchelling/GapFinder/internal/metrics"
	"github.com/TobiSchelling/GapFinder/internal/pipeline"
	"github.com/TobiSchelling/GapFinder/internal/report"
	"github.com/TobiSchelling/GapFinder/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	log        logger.Logger = logger.NewNop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "gapfinder",
	Short:   "Find content gaps in a YouTube channel's comments",
	Long:    "gapfinder mines viewer comments for unanswered questions, checks them against the channel's transcripts, and ranks the gaps worth a new video.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		if err := config.LoadEnvFiles(config.ConfigDir()); err != nil {
			return err
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		log, err = logger.New(logger.Config{Level: level, Development: cfg.Logging.Development})
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("gapfinder", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/gapfinder/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the LLM provider, ingest directory and job store.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job store status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		counts, err := countByPhase(ctx, store)
		if err != nil {
			return fmt.Errorf("counting jobs: %w", err)
		}

		fmt.Printf("Job store: %s\n", cfg.Jobs.Store)
		fmt.Printf("Ingest directory: %s\n\n", cfg.GetIngestDir())

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Phase", "Jobs"})
		total := 0
		for _, p := range []jobs.Phase{
			jobs.PhaseQueued, jobs.PhaseFiltering, jobs.PhaseExtracting, jobs.PhaseVerifying,
			jobs.PhaseEnriching, jobs.PhaseScoring, jobs.PhaseCompleted, jobs.PhaseFailed,
		} {
			t.AppendRow(table.Row{p, counts[p]})
			total += counts[p]
		}
		t.AppendFooter(table.Row{"Total", total})
		t.Render()
		return nil
	},
}

// --- run command ---

var (
	dryRun     bool
	sampleSize int
	outDir     string
)

var runCmd = &cobra.Command{
	Use:   "run <channel>",
	Short: "Run the pipeline once: filter -> extract -> cluster -> verify -> enrich -> score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		size := sampleSize
		if size <= 0 {
			size = cfg.Ingest.DefaultSampleSize
		}
		if size > jobs.MaxSampleSize {
			return fmt.Errorf("--sample must be at most %d", jobs.MaxSampleSize)
		}

		src := ingest.NewDirSource(cfg.GetIngestDir(), log)
		ch, err := src.Load(ctx, args[0], size)
		if err != nil {
			return fmt.Errorf("ingesting %s: %w", args[0], err)
		}
		fmt.Printf("Loaded %s: %d videos, %d comments.\n", displayName(ch), len(ch.Videos), len(ch.Comments))

		deps, closeDeps, err := pipeline.FromConfig(ctx, cfg, nil, log)
		if err != nil {
			return err
		}
		defer closeDeps()

		pipe, err := pipeline.New(deps)
		if err != nil {
			return err
		}
		state := pipeline.NewState(ch.ID, ch.Videos, ch.Comments)

		var result *pipeline.Result
		var runErr error
		if dryRun {
			result = pipe.DryRun(state)
		} else {
			result, runErr = pipe.Run(ctx, state, pipeline.KindFilter, pipeline.Hooks{})
		}

		total := len(pipeline.Kinds())
		for _, step := range result.Steps {
			fmt.Printf("\nStep %d/%d: %s\n", int(step.Kind)+1, total, step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}
		if runErr != nil {
			return runErr
		}
		if dryRun {
			return nil
		}

		rep := state.Report(time.Now())
		jsonPath, mdPath, err := writeReport(rep, ch.ID)
		if err != nil {
			return err
		}
		fmt.Printf("\nPipeline complete! %d content gaps.\n", len(rep.ContentGaps))
		fmt.Printf("  JSON: %s\n  Markdown: %s\n", jsonPath, mdPath)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without calling the LLM")
	runCmd.Flags().IntVar(&sampleSize, "sample", 0, "Number of most recent videos to analyze")
	runCmd.Flags().StringVarP(&outDir, "out", "o", "", "Report directory (default <data_dir>/reports)")
}

func displayName(ch *ingest.Channel) string {
	if ch.Title != "" {
		return fmt.Sprintf("%s (%s)", ch.Title, ch.ID)
	}
	return ch.ID
}

func writeReport(rep *report.Report, channelID string) (string, string, error) {
	dir := outDir
	if dir == "" {
		dir = filepath.Join(cfg.GetDataDir(), "reports")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating report directory: %w", err)
	}

	base := filepath.Join(dir, fmt.Sprintf("%s-%s", channelID, rep.Metadata.GeneratedAt.Format("20060102-150405")))
	data, err := rep.Marshal()
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(base+".json", data, 0o644); err != nil {
		return "", "", fmt.Errorf("writing report: %w", err)
	}
	if err := os.WriteFile(base+".md", []byte(report.Markdown(rep)), 0o644); err != nil {
		return "", "", fmt.Errorf("writing report: %w", err)
	}
	return base + ".json", base + ".md", nil
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API, workers and stuck-job sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		m := metrics.New()
		deps, closeDeps, err := pipeline.FromConfig(ctx, cfg, m, log)
		if err != nil {
			return err
		}
		defer closeDeps()

		pipe, err := pipeline.New(deps)
		if err != nil {
			return err
		}

		src := ingest.NewDirSource(cfg.GetIngestDir(), log.With(logger.String("component", "ingest")))
		orch := jobs.New(store, src, pipe, m, orchestratorOptions(), log.With(logger.String("component", "jobs")))
		if err := orch.Start(ctx); err != nil {
			return err
		}
		defer orch.Wait()

		srv, err := server.New(orch, m, server.Options{CORSOrigins: cfg.Server.CORSOrigins},
			log.With(logger.String("component", "server")))
		if err != nil {
			return err
		}

		port := cfg.Server.Port
		if servePort > 0 {
			port = servePort
		}
		fmt.Printf("Starting server at http://%s:%d\n", cfg.Server.Host, port)
		fmt.Println("Press Ctrl+C to stop")
		err = srv.Serve(ctx, cfg.Server.Host, port)
		stop()
		return err
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config)")
}

// --- jobs command ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage analysis jobs",
}

var listLimit int

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		items, err := store.List(ctx, listLimit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No jobs yet. Submit one through the API or use: gapfinder run <channel>")
			return nil
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Access key", "Channel", "Phase", "Progress", "Updated", "Reason"})
		for _, j := range items {
			phase := string(j.Phase)
			if j.Stuck {
				phase += " (stuck)"
			}
			reason := j.Reason
			if len(reason) > 60 {
				reason = reason[:60] + "..."
			}
			t.AppendRow(table.Row{
				j.AccessKey, j.ChannelID, phase, fmt.Sprintf("%d%%", j.Progress),
				j.UpdatedAt.Local().Format("2006-01-02 15:04"), reason,
			})
		}
		t.Render()
		return nil
	},
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue <access-key>",
	Short: "Requeue a failed or stuck job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		orch := jobs.New(store, nil, nil, nil, orchestratorOptions(), log)
		job, err := orch.Requeue(ctx, strings.TrimSpace(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %s (%s). A running server picks it up on its next sweep.\n", job.AccessKey, job.ChannelID)
		return nil
	},
}

var jobsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Flag jobs without progress as stuck",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		orch := jobs.New(store, nil, nil, nil, orchestratorOptions(), log)
		n, err := orch.SweepStuck(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Flagged %d job(s) as stuck (no progress in %s).\n", n, cfg.Jobs.StuckAfter)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum number of jobs to show (0 for all)")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRequeueCmd)
	jobsCmd.AddCommand(jobsSweepCmd)
}

func orchestratorOptions() jobs.Options {
	return jobs.Options{
		Workers:           cfg.Jobs.Workers,
		Timeout:           cfg.Jobs.Timeout,
		StuckAfter:        cfg.Jobs.StuckAfter,
		SweepSchedule:     cfg.Jobs.SweepSchedule,
		DefaultSampleSize: cfg.Ingest.DefaultSampleSize,
	}
}

func openStore(ctx context.Context) (jobs.Store, error) {
	switch cfg.Jobs.Store {
	case "memory":
		return jobs.NewMemoryStore(), nil
	case "postgres":
		return postgres.Open(ctx, cfg.Jobs.DatabaseURL, log.With(logger.String("component", "store")))
	case "sqlite", "":
		dataDir := cfg.GetDataDir()
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return database.Open(filepath.Join(dataDir, "gapfinder.db"), log.With(logger.String("component", "store")))
	}
	return nil, fmt.Errorf("unknown jobs.store %q (want sqlite, postgres or memory)", cfg.Jobs.Store)
}

type phaseCounter interface {
	CountByPhase(ctx context.Context) (map[jobs.Phase]int, error)
}

func countByPhase(ctx context.Context, store jobs.Store) (map[jobs.Phase]int, error) {
	if pc, ok := store.(phaseCounter); ok {
		return pc.CountByPhase(ctx)
	}
	all, err := store.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	counts := make(map[jobs.Phase]int)
	for _, j := range all {
		counts[j.Phase]++
	}
	return counts, nil
}
