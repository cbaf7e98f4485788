// Package stepexec runs the shell commands behind command-backed builders.
package stepexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/ruleset-build/internal/domain"
	"github.com/hochfrequenz/ruleset-build/internal/registry"
	"github.com/hochfrequenz/ruleset-build/internal/trace"
)

// tailLines is how much stderr an ExitError keeps
const tailLines = 10

// Step is the command behind one builder
type Step struct {
	Command string
	Env     map[string]string
	Dir     string
}

// ExitError is returned when a step's command exits non-zero
type ExitError struct {
	Builder string
	Code    int
	Stderr  []string // last lines of stderr
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: command exited with code %d", e.Builder, e.Code)
	if len(e.Stderr) > 0 {
		msg += ": " + e.Stderr[len(e.Stderr)-1]
	}
	return msg
}

// ExecutorConfig configures the step executor
type ExecutorConfig struct {
	Steps     map[string]Step
	RootDir   string // working directory for steps without Dir
	PublicDir string
	Logger    *slog.Logger
}

// Executor runs steps with sh -c
type Executor struct {
	config ExecutorConfig
}

// NewExecutor creates a new step executor
func NewExecutor(config ExecutorConfig) *Executor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Executor{config: config}
}

// Configured reports whether name has a command
func (e *Executor) Configured(name string) bool {
	_, ok := e.config.Steps[name]
	return ok
}

// Builder returns a registry builder that runs the step for name. Builders
// without a configured step log and succeed.
func (e *Executor) Builder(name string) registry.Builder {
	return registry.Builder{
		Name: name,
		Run: func(ctx context.Context, span *trace.Span, in domain.Inputs) error {
			step, ok := e.config.Steps[name]
			if !ok {
				e.config.Logger.Debug("no command configured, nothing to do", slog.String("builder", name))
				return nil
			}
			return span.Child(ctx, "sh -c", func(ctx context.Context, _ *trace.Span) error {
				return e.Run(ctx, name, step, in)
			})
		},
	}
}

// Run executes step for builder name, streaming its output into the log
func (e *Executor) Run(ctx context.Context, name string, step Step, in domain.Inputs) error {
	start := time.Now()
	logger := e.config.Logger.With(slog.String("builder", name))

	cmd := exec.CommandContext(ctx, "sh", "-c", step.Command)
	cmd.Dir = e.dir(step)
	killProcessGroup(cmd)

	// Set environment
	cmd.Env = os.Environ()
	for k, v := range step.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env,
		"BUILDER_NAME="+name,
		"PREFETCH_OUTCOME="+string(in.Prefetch),
		"PUBLIC_DIR="+e.config.PublicDir,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	logger.Debug("running command", slog.String("command", step.Command), slog.String("dir", cmd.Dir))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting command: %w", err)
	}

	var tail []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamOutput(stdout, func(line string) {
			logger.Info(line, slog.String("stream", "stdout"))
		})
	}()
	go func() {
		defer wg.Done()
		streamOutput(stderr, func(line string) {
			logger.Warn(line, slog.String("stream", "stderr"))
			tail = append(tail, line)
			if len(tail) > tailLines {
				tail = tail[1:]
			}
		})
	}()
	wg.Wait()

	err = cmd.Wait()
	duration := time.Since(start)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Debug("command failed", slog.Int("exit_code", exitErr.ExitCode()), slog.Duration("duration", duration))
			return &ExitError{Builder: name, Code: exitErr.ExitCode(), Stderr: tail}
		}
		return fmt.Errorf("command failed: %w", err)
	}

	logger.Debug("command completed", slog.Duration("duration", duration))
	return nil
}

func (e *Executor) dir(step Step) string {
	switch {
	case step.Dir == "":
		return e.config.RootDir
	case filepath.IsAbs(step.Dir) || e.config.RootDir == "":
		return step.Dir
	default:
		return filepath.Join(e.config.RootDir, step.Dir)
	}
}

func streamOutput(r io.Reader, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			emit(line)
		}
	}
	// keep the pipe drained if a line overflowed the scanner
	_, _ = io.Copy(io.Discard, r)
}
