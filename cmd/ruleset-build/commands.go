package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/ruleset-build/internal/config"
	"github.com/hochfrequenz/ruleset-build/internal/domain"
	"github.com/hochfrequenz/ruleset-build/internal/envinfo"
	"github.com/hochfrequenz/ruleset-build/internal/history"
	"github.com/hochfrequenz/ruleset-build/internal/lifecycle"
	"github.com/hochfrequenz/ruleset-build/internal/notify"
	"github.com/hochfrequenz/ruleset-build/internal/schedule"
	"github.com/hochfrequenz/ruleset-build/internal/trace"
)

var (
	historyLimit  int
	historyStatus string
	pruneBefore   string
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once",
		RunE:  runBuild,
	}
	rootCmd.AddCommand(runCmd)

	// graph command
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the compiled pipeline stages",
		RunE:  runGraph,
	}
	rootCmd.AddCommand(graphCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history [RUN_ID]",
		Short: "List recorded runs, or show one run's builders",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status (running, completed, failed)")

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete recorded runs older than a cutoff",
		Args:  cobra.NoArgs,
		RunE:  runHistoryPrune,
	}
	pruneCmd.Flags().StringVar(&pruneBefore, "before", "", "age (720h, 30d) or date (2006-01-02); older runs are deleted")
	pruneCmd.MarkFlagRequired("before")
	historyCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(historyCmd)

	// schedule command
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on the configured cron schedules",
		RunE:  runSchedule,
	}
	rootCmd.AddCommand(scheduleCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return nil, &exitError{code: lifecycle.ExitConfigError, err: err}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	ci := envinfo.DetectCI(cfg.CI.Mode, nil)
	if verbose || (ci.Detected && envinfo.RunnerDebug(nil)) {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openHistory(cfg *config.Config, logger *slog.Logger) *history.Store {
	if cfg.General.HistoryDB == "" {
		return nil
	}
	store, err := history.New(cfg.General.HistoryDB)
	if err != nil {
		logger.Warn("run history disabled", slog.String("error", err.Error()))
		return nil
	}
	return store
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newController(cfg *config.Config, logger *slog.Logger, store *history.Store, trigger string) *lifecycle.Controller {
	return lifecycle.New(lifecycle.Options{
		Config:   cfg,
		Logger:   logger,
		History:  store,
		Notifier: notify.FromConfig(cfg.Notifications.Desktop, cfg.Notifications.SlackWebhook),
		Trigger:  trigger,
	})
}

func setupOtel(cfg *config.Config, logger *slog.Logger) func() {
	if !cfg.Trace.OtelStdout {
		return func() {}
	}
	shutdown, err := trace.SetupStdoutExporter(os.Stdout)
	if err != nil {
		logger.Warn("otel stdout exporter disabled", slog.String("error", err.Error()))
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("otel shutdown", slog.String("error", err.Error()))
		}
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer setupOtel(cfg, logger)()

	store := openHistory(cfg, logger)
	if store != nil {
		defer store.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	if code := newController(cfg, logger, store, "").Run(ctx); code != lifecycle.ExitSuccess {
		return &exitError{code: code}
	}
	return nil
}

func runGraph(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: lifecycle.ExitConfigError, err: err}
	}
	logger := newLogger(cfg)

	stages, graph, err := lifecycle.Compile(cfg, logger)
	if err != nil {
		return &exitError{code: lifecycle.ExitConfigError, err: err}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tBUILDER\tWAITS FOR\tCOMMAND")
	for _, st := range stages {
		for _, name := range st.Builders {
			var waits []string
			for _, p := range graph.Prerequisites(name) {
				waits = append(waits, p.String())
			}
			deps := strings.Join(waits, ", ")
			if deps == "" {
				deps = "-"
			}
			command := "-"
			if b, ok := cfg.Builders[name]; ok {
				command = b.Command
			}
			label := name
			if graph.IsFatal(name) {
				label += " (fatal)"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", st.Index, label, deps, command)
		}
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := history.New(cfg.General.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		return showRun(store, args[0])
	}

	runs, err := store.ListRuns(history.ListOptions{
		Status: domain.RunStatus(historyStatus),
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tTRIGGER\tSTATUS\tPREFETCH\tEXIT\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, humanize.Time(r.StartedAt), r.Trigger, r.Status, orDash(string(r.Prefetch)), r.ExitCode, runDuration(r))
	}
	return w.Flush()
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cutoff, err := history.ParseCutoff(pruneBefore, time.Now())
	if err != nil {
		return &exitError{code: lifecycle.ExitConfigError, err: err}
	}

	store, err := history.New(cfg.General.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(cutoff)
	if err != nil {
		return fmt.Errorf("pruning runs: %w", err)
	}
	fmt.Printf("Deleted %d runs started before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}

func showRun(store *history.Store, id string) error {
	run, err := store.GetRun(id)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s (%s): %s, exit %d, prefetch %s, %s\n",
		run.ID, run.Trigger, run.Status, run.ExitCode, orDash(string(run.Prefetch)), runDuration(run))
	if run.Error != "" {
		fmt.Printf("Error: %s\n", run.Error)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tBUILDER\tSTATUS\tDURATION\tERROR")
	for _, b := range run.Builders {
		errText := "-"
		if b.Err != nil {
			errText = b.Err.Error()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", b.Stage, b.Name, b.Status, b.Duration.Round(time.Millisecond), errText)
	}
	return w.Flush()
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer setupOtel(cfg, logger)()

	if len(cfg.Schedule) == 0 {
		return &exitError{code: lifecycle.ExitConfigError, err: fmt.Errorf("no [[schedule]] entries in config")}
	}
	sched, err := schedule.FromConfig(cfg.Schedule, logger)
	if err != nil {
		return &exitError{code: lifecycle.ExitConfigError, err: err}
	}

	store := openHistory(cfg, logger)
	if store != nil {
		defer store.Close()
	}

	for _, e := range sched.Entries() {
		fmt.Printf("%s: %s (next %s)\n", e.Name, e.Cron, humanize.Time(sched.NextRun(e.Name)))
	}

	ctx, cancel := signalContext()
	defer cancel()

	sched.Start(ctx, func(ctx context.Context, e schedule.Entry) error {
		if code := newController(cfg, logger, store, e.Name).Run(ctx); code != lifecycle.ExitSuccess {
			return fmt.Errorf("run exited with code %d", code)
		}
		return nil
	})
	return nil
}

func runDuration(r *domain.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
