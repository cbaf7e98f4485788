package domain

import "time"

// BuilderResult records how a single builder ended a run
type BuilderResult struct {
	Name      string
	Stage     int
	Status    BuilderStatus
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Run represents a single execution of the pipeline
type Run struct {
	ID         string
	Trigger    string // "manual" or the schedule name
	Status     RunStatus
	Prefetch   PrefetchOutcome
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Builders   []BuilderResult
}
