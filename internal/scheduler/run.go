package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/ruleset-build/internal/domain"
	"github.com/hochfrequenz/ruleset-build/internal/trace"
)

// PrefetchSource yields the prefetch outcome, blocking until it is known.
// Every call returns the same value.
type PrefetchSource interface {
	Outcome() (domain.PrefetchOutcome, error)
}

// BuilderError is a builder failure as recorded in a Report
type BuilderError struct {
	Builder string
	Stage   int
	Err     error
}

func (e *BuilderError) Error() string {
	return fmt.Sprintf("stage %d: builder %s: %v", e.Stage, e.Builder, e.Err)
}

func (e *BuilderError) Unwrap() error {
	return e.Err
}

// Report is the outcome of running a compiled graph
type Report struct {
	mu        sync.Mutex
	results   map[string]*domain.BuilderResult
	aborted   bool
	abortedBy string
	prefetch  error
}

func newReport(stages []Stage) *Report {
	r := &Report{results: make(map[string]*domain.BuilderResult)}
	for _, st := range stages {
		for _, name := range st.Builders {
			r.results[name] = &domain.BuilderResult{Name: name, Stage: st.Index, Status: domain.BuilderPending}
		}
	}
	return r
}

func (r *Report) record(name string, status domain.BuilderStatus, err error, start time.Time, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.results[name]
	res.Status, res.Err, res.StartedAt, res.Duration = status, err, start, d
}

func (r *Report) status(name string) domain.BuilderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.results[name]; ok {
		return res.Status
	}
	return domain.BuilderPending
}

// Result returns the result of a single builder
func (r *Report) Result(name string) (domain.BuilderResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[name]
	if !ok {
		return domain.BuilderResult{}, false
	}
	return *res, true
}

// Results returns every builder result ordered by stage, then name
func (r *Report) Results() []domain.BuilderResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.BuilderResult, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Aborted reports whether a fatal builder stopped the run, and which one
func (r *Report) Aborted() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted, r.abortedBy
}

func (r *Report) setPrefetchErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prefetch == nil {
		r.prefetch = err
	}
}

// PrefetchErr returns the prefetch error seen by prefetch-dependent builders.
// It does not count as a builder failure.
func (r *Report) PrefetchErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefetch
}

// Failed reports whether any builder did not succeed
func (r *Report) Failed() bool {
	for _, res := range r.Results() {
		if res.Status != domain.BuilderOK {
			return true
		}
	}
	return false
}

// FailedStage returns the index of the first stage with a failed builder, or 0
func (r *Report) FailedStage() int {
	for _, res := range r.Results() {
		if res.Status == domain.BuilderFailed {
			return res.Stage
		}
	}
	return 0
}

// Err joins the errors of all builders that failed or were skipped
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results() {
		if res.Err != nil {
			errs = append(errs, &BuilderError{Builder: res.Name, Stage: res.Stage, Err: res.Err})
		}
	}
	return errors.Join(errs...)
}

// Run executes stages in order. Each stage runs as child span "stage N" of
// span. All stages are attempted unless a fatal builder fails, in which case
// later stages are marked not run. A nil prefetch yields a degraded outcome
// to builders that declare the prefetch prerequisite.
func (g *Graph) Run(ctx context.Context, span *trace.Span, stages []Stage, prefetch PrefetchSource) *Report {
	report := newReport(stages)

	for _, st := range stages {
		if aborted, by := report.Aborted(); aborted {
			for _, name := range st.Builders {
				report.record(name, domain.BuilderNotRun,
					fmt.Errorf("not run: fatal builder %s failed", by), time.Time{}, 0)
			}
			continue
		}

		_ = span.Child(ctx, fmt.Sprintf("stage %d", st.Index), func(ctx context.Context, stageSpan *trace.Span) error {
			return g.runStage(ctx, stageSpan, st, prefetch, report)
		})
	}

	return report
}

func (g *Graph) runStage(ctx context.Context, span *trace.Span, st Stage, prefetch PrefetchSource, report *Report) error {
	logger := g.opts.Logger.With(slog.Int("stage", st.Index))
	logger.Info("stage starting", slog.Any("builders", st.Builders))

	var eg errgroup.Group
	if g.opts.MaxParallel > 0 {
		eg.SetLimit(g.opts.MaxParallel)
	}
	for _, name := range st.Builders {
		eg.Go(func() error {
			g.runBuilder(ctx, span, st.Index, name, prefetch, report, logger)
			return nil
		})
	}
	_ = eg.Wait()

	failed := 0
	for _, name := range st.Builders {
		if report.status(name) == domain.BuilderFailed {
			failed++
			if g.fatal[name] {
				report.mu.Lock()
				if !report.aborted {
					report.aborted, report.abortedBy = true, name
				}
				report.mu.Unlock()
			}
		}
	}

	if failed > 0 {
		logger.Error("stage finished with failures", slog.Int("failed", failed), slog.Int("builders", len(st.Builders)))
		return fmt.Errorf("%d of %d builders failed", failed, len(st.Builders))
	}
	logger.Info("stage finished")
	return nil
}

func (g *Graph) runBuilder(
	ctx context.Context,
	span *trace.Span,
	stage int,
	name string,
	prefetch PrefetchSource,
	report *Report,
	logger *slog.Logger,
) {
	logger = logger.With(slog.String("builder", name))

	b, ok := g.reg.Get(name)
	if !ok {
		report.record(name, domain.BuilderFailed, fmt.Errorf("%w: %s", ErrUnknownBuilder, name), time.Now(), 0)
		return
	}

	var in domain.Inputs
	for _, p := range g.prereqs[name] {
		switch p.Kind {
		case domain.PrereqBuilder, domain.PrereqOutput:
			if st := report.status(p.Builder); st != domain.BuilderOK {
				err := fmt.Errorf("%w: %s is %s", ErrDependencyFailed, p.Builder, st)
				logger.Warn("builder skipped", slog.String("reason", err.Error()))
				report.record(name, domain.BuilderSkipped, err, time.Time{}, 0)
				return
			}
			if p.Kind == domain.PrereqOutput {
				if _, err := os.Stat(p.Path); err != nil {
					err = fmt.Errorf("%w: %s from %s", ErrOutputMissing, p.Path, p.Builder)
					logger.Error("builder failed", slog.String("error", err.Error()))
					report.record(name, domain.BuilderFailed, err, time.Now(), 0)
					return
				}
			}
		case domain.PrereqPrefetch:
			in.Prefetch = domain.PrefetchDegraded
			if prefetch != nil {
				// A failed prefetch still lets the builder run as a full build.
				outcome, err := prefetch.Outcome()
				if err != nil {
					report.setPrefetchErr(err)
				}
				if outcome != "" {
					in.Prefetch = outcome
				}
			}
		}
	}

	start := time.Now()
	logger.Debug("builder starting", slog.String("prefetch", string(in.Prefetch)))

	err := span.Child(ctx, name, func(ctx context.Context, s *trace.Span) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return b.Run(ctx, s, in)
	})
	duration := time.Since(start)

	if err != nil {
		logger.Error("builder failed", slog.Duration("duration", duration), slog.String("error", err.Error()))
		report.record(name, domain.BuilderFailed, err, start, duration)
		return
	}
	logger.Info("builder completed", slog.Duration("duration", duration))
	report.record(name, domain.BuilderOK, nil, start, duration)
}
