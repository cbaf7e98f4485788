package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/ruleset-build/internal/lifecycle"
)

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "ruleset-build",
		Short: "Ruleset build - dependency-aware build pipeline",
		Long: `Ruleset build reuses the previous build's output tree when it can,
runs every builder as soon as its prerequisites are met and writes a
completion marker only when the whole pipeline succeeded.

Without a subcommand it runs the pipeline once.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runBuild,
	}
)

// exitError carries a process exit code out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, exit.err)
		}
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(lifecycle.ExitConfigError)
}
