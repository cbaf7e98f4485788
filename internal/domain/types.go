package domain

// PrefetchOutcome is the result of trying to reuse a previous build's output tree
type PrefetchOutcome string

const (
	// PrefetchMaterialized means the previous build was downloaded and extracted
	PrefetchMaterialized PrefetchOutcome = "materialized"
	// PrefetchSkipped means the target directory already had content
	PrefetchSkipped PrefetchOutcome = "skipped"
	// PrefetchDegraded means every source failed and the run is a full build
	PrefetchDegraded PrefetchOutcome = "degraded"
)

// BuilderStatus represents the state a builder ended a run in
type BuilderStatus string

const (
	BuilderPending BuilderStatus = "pending"
	BuilderOK      BuilderStatus = "ok"
	BuilderFailed  BuilderStatus = "failed"
	BuilderSkipped BuilderStatus = "skipped" // a prerequisite builder did not succeed
	BuilderNotRun  BuilderStatus = "not_run" // a fatal builder aborted the run first
)

// RunStatus represents the overall state of a pipeline run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)
