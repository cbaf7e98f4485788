package lifecycle

import "errors"

// Exit codes of a pipeline run
const (
	// ExitSuccess means every builder succeeded and the marker was written
	ExitSuccess = 0

	// ExitBuildFailed means a builder, the prefetch or the run itself failed
	ExitBuildFailed = 1

	// ExitConfigError means the run never started: bad configuration or an
	// invalid pipeline graph
	ExitConfigError = 2
)

// ConfigError marks an error as a configuration problem
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ExitCode maps a run error to its exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	return ExitBuildFailed
}
