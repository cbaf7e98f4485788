// Package lifecycle runs the whole build once: it owns the completion
// marker, the root span and the exit code.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/ruleset-build/internal/config"
	"github.com/hochfrequenz/ruleset-build/internal/domain"
	"github.com/hochfrequenz/ruleset-build/internal/envinfo"
	"github.com/hochfrequenz/ruleset-build/internal/history"
	"github.com/hochfrequenz/ruleset-build/internal/notify"
	"github.com/hochfrequenz/ruleset-build/internal/pipeline"
	"github.com/hochfrequenz/ruleset-build/internal/prefetch"
	"github.com/hochfrequenz/ruleset-build/internal/scheduler"
	"github.com/hochfrequenz/ruleset-build/internal/stepexec"
	"github.com/hochfrequenz/ruleset-build/internal/trace"
)

// MarkerContent is written to the completion marker after a successful run
const MarkerContent = "BUILD_FINISHED\n"

// Options configures a Controller
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Out    io.Writer // diagnostics and the trace tree; os.Stdout if nil

	// Getenv reads CI signals; os.Getenv if nil
	Getenv func(string) string

	// Optional collaborators
	History  *history.Store
	Notifier notify.Notifier
	Trigger  string // recorded with the run, "manual" if empty
}

// Controller runs the pipeline once per Run call
type Controller struct {
	cfg      *config.Config
	logger   *slog.Logger
	out      io.Writer
	getenv   func(string) string
	history  *history.Store
	notifier notify.Notifier
	trigger  string
}

// New creates a Controller
func New(opts Options) *Controller {
	c := &Controller{
		cfg:      opts.Config,
		logger:   opts.Logger,
		out:      opts.Out,
		getenv:   opts.Getenv,
		history:  opts.History,
		notifier: opts.Notifier,
		trigger:  opts.Trigger,
	}
	if c.cfg == nil {
		c.cfg = config.Default()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	if c.getenv == nil {
		c.getenv = os.Getenv
	}
	if c.notifier == nil {
		c.notifier = notify.NoopNotifier{}
	}
	if c.trigger == "" {
		c.trigger = "manual"
	}
	return c
}

// Run executes the pipeline and returns the process exit code. The marker
// is removed first and only written back when every builder succeeded.
func (c *Controller) Run(ctx context.Context) int {
	run := &domain.Run{
		ID:        uuid.NewString(),
		Trigger:   c.trigger,
		Status:    domain.RunRunning,
		StartedAt: time.Now(),
	}
	logger := c.logger.With(slog.String("run_id", run.ID))
	lock := c.cfg.LockPath()

	if err := os.Remove(lock); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Error("cannot remove completion marker", slog.String("path", lock), slog.String("error", err.Error()))
		return ExitBuildFailed
	}

	ci := envinfo.DetectCI(c.cfg.CI.Mode, c.getenv)
	envinfo.Collect(ci).Print(c.out)

	if c.history != nil {
		if err := c.history.StartRun(run); err != nil {
			logger.Warn("cannot record run start", slog.String("error", err.Error()))
		}
	}

	root := trace.New("root")
	report, err := c.execute(ctx, logger, root, ci, run)

	if err != nil {
		root.StopWithError(err)
	} else {
		root.Stop()
	}
	trace.PrintTraceResult(c.out, root.Result())
	if path := c.cfg.Trace.ReportPath; path != "" {
		if werr := trace.WriteReportFile(path, root.Result()); werr != nil {
			logger.Warn("cannot write trace report", slog.String("path", path), slog.String("error", werr.Error()))
		}
	}

	if err == nil {
		if werr := os.WriteFile(lock, []byte(MarkerContent), 0644); werr != nil {
			err = fmt.Errorf("writing completion marker: %w", werr)
		}
	}

	code := ExitCode(err)
	if err != nil {
		logger.Error("something went wrong", slog.Int("exit_code", code), slog.String("error", err.Error()))
	} else {
		logger.Info("build finished", slog.Duration("duration", time.Since(run.StartedAt)))
	}

	c.finish(ctx, logger, run, report, code, err)
	return code
}

// execute runs prefetch and pipeline. Panics anywhere below become errors.
func (c *Controller) execute(ctx context.Context, logger *slog.Logger, root *trace.Span, ci envinfo.CIInfo, run *domain.Run) (report *scheduler.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during run", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if err := c.cfg.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	if ci.Detected && envinfo.RunnerDebug(c.getenv) {
		logger.Debug("runner debug enabled")
	}

	pf := prefetch.New(prefetch.Options{
		CI:        ci.Detected,
		UserAgent: c.cfg.Prefetch.UserAgent,
		RetryMax:  c.cfg.Prefetch.RetryMax,
		Timeout:   c.cfg.Prefetch.Timeout.Duration,
		Logger:    logger,
	})
	pending := pf.Start(ctx, root, c.cfg.PublicPath(), prefetch.Sources{
		Primary:  c.cfg.Prefetch.PrimaryURL,
		Fallback: c.cfg.Prefetch.FallbackURL,
	})

	stages, graph, err := Compile(c.cfg, logger)
	if err != nil {
		// the download keeps writing the tree; let it settle before exiting
		res, _ := pending.Wait()
		run.Prefetch = res.Outcome
		return nil, &ConfigError{Err: err}
	}

	report = graph.Run(ctx, root, stages, pending)

	res, pfErr := pending.Wait()
	run.Prefetch = res.Outcome

	var errs []error
	if pfErr != nil {
		errs = append(errs, fmt.Errorf("prefetch: %w", pfErr))
	}
	if aborted, by := report.Aborted(); aborted {
		logger.Error("fatal builder failed, later stages were not run", slog.String("builder", by))
	}
	if berr := report.Err(); berr != nil {
		errs = append(errs, berr)
	}
	return report, errors.Join(errs...)
}

// Compile registers the canonical builders backed by the configured
// commands and compiles them into stages.
func Compile(cfg *config.Config, logger *slog.Logger) ([]scheduler.Stage, *scheduler.Graph, error) {
	steps := make(map[string]stepexec.Step, len(cfg.Builders))
	for name, b := range cfg.Builders {
		steps[name] = stepexec.Step{Command: b.Command, Env: b.Env, Dir: b.Dir}
	}

	reg, graph, err := pipeline.New(pipeline.Options{
		RootDir:     cfg.General.RootDir,
		PublicDir:   cfg.PublicPath(),
		RemoveFiles: cfg.General.RemoveFiles,
		Steps: stepexec.NewExecutor(stepexec.ExecutorConfig{
			Steps:     steps,
			RootDir:   cfg.General.RootDir,
			PublicDir: cfg.PublicPath(),
			Logger:    logger,
		}),
		Scheduler: scheduler.Options{MaxParallel: cfg.General.MaxParallelBuilders, Logger: logger},
	})
	if err != nil {
		return nil, nil, err
	}

	for name := range steps {
		if _, ok := reg.Get(name); !ok {
			return nil, nil, fmt.Errorf("builders.%s: %w", name, scheduler.ErrUnknownBuilder)
		}
	}

	stages, err := graph.Compile()
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("pipeline compiled", slog.Int("builders", reg.Len()), slog.Int("stages", len(stages)))
	return stages, graph, nil
}

func (c *Controller) finish(ctx context.Context, logger *slog.Logger, run *domain.Run, report *scheduler.Report, code int, err error) {
	now := time.Now()
	run.FinishedAt = &now
	run.ExitCode = code
	run.Status = domain.RunCompleted
	if err != nil {
		run.Status = domain.RunFailed
		run.Error = err.Error()
	}
	if report != nil {
		run.Builders = report.Results()
	}

	if c.history != nil {
		if herr := c.history.FinishRun(run); herr != nil {
			logger.Warn("cannot record run", slog.String("error", herr.Error()))
		}
	}
	if nerr := c.notifier.Send(ctx, notify.ForRun(run)); nerr != nil {
		logger.Warn("cannot send notification", slog.String("error", nerr.Error()))
	}
}
