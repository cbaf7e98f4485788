package prefetch

import (
	"context"

	"github.com/hochfrequenz/ruleset-build/internal/domain"
	"github.com/hochfrequenz/ruleset-build/internal/trace"
)

// Pending is a prefetch running in the background. Its result is produced
// once and may be read by any number of goroutines.
type Pending struct {
	done   chan struct{}
	result Result
	err    error
}

// Start runs Prefetch in a child span of parent without blocking
func (p *Prefetcher) Start(ctx context.Context, parent *trace.Span, targetDir string, src Sources) *Pending {
	pd := &Pending{done: make(chan struct{})}

	var res Result
	task := parent.ChildAsync(ctx, "download previous build", func(ctx context.Context, s *trace.Span) error {
		var err error
		res, err = p.Prefetch(ctx, s, targetDir, src)
		return err
	})

	go func() {
		err := task.Wait()
		if res.Outcome == "" {
			res.Outcome = domain.PrefetchDegraded
		}
		pd.result, pd.err = res, err
		close(pd.done)
	}()

	return pd
}

// Wait blocks until the prefetch has finished
func (pd *Pending) Wait() (Result, error) {
	<-pd.done
	return pd.result, pd.err
}

// Outcome blocks until the prefetch has finished and returns its outcome
func (pd *Pending) Outcome() (domain.PrefetchOutcome, error) {
	res, err := pd.Wait()
	return res.Outcome, err
}
