// Package schedule triggers pipeline runs from cron expressions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/ruleset-build/internal/config"
)

// DefaultMaxDuration bounds a scheduled run that sets no max_duration
const DefaultMaxDuration = 2 * time.Hour

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Entry is a named cron-triggered run
type Entry struct {
	Name        string
	Cron        string
	MaxDuration time.Duration
}

// Validate checks if the entry is valid and fills defaults
func (e *Entry) Validate() error {
	if e.Name == "" {
		return errors.New("schedule name is required")
	}
	if e.Cron == "" {
		return fmt.Errorf("schedule %s: cron expression is required", e.Name)
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return fmt.Errorf("schedule %s: invalid cron expression: %w", e.Name, err)
	}
	if e.MaxDuration <= 0 {
		e.MaxDuration = DefaultMaxDuration
	}
	return nil
}

// RunFunc performs one scheduled run. ctx expires after the entry's MaxDuration.
type RunFunc func(ctx context.Context, e Entry) error

// Scheduler fires entries when their cron schedule comes due. At most one
// run is active at a time because every run shares the same output tree.
type Scheduler struct {
	entries  map[string]Entry
	parsed   map[string]cron.Schedule
	lastRun  map[string]time.Time
	running  string
	mu       sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger *slog.Logger
	now    func() time.Time
	tick   time.Duration
}

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// NewScheduler creates a new scheduler. Entries first become due after now.
func NewScheduler(entries []Entry, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		entries:  make(map[string]Entry),
		parsed:   make(map[string]cron.Schedule),
		lastRun:  make(map[string]time.Time),
		stopChan: make(chan struct{}),
		logger:   logger,
		now:      time.Now,
		tick:     time.Minute,
	}

	start := s.now()
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.entries[e.Name]; dup {
			return nil, fmt.Errorf("schedule %s: duplicate name", e.Name)
		}
		sched, _ := ParseCron(e.Cron)
		s.entries[e.Name] = e
		s.parsed[e.Name] = sched
		s.lastRun[e.Name] = start
	}

	return s, nil
}

// FromConfig creates a scheduler for the [[schedule]] entries of cfg
func FromConfig(cfgs []config.ScheduleConfig, logger *slog.Logger) (*Scheduler, error) {
	entries := make([]Entry, 0, len(cfgs))
	for _, c := range cfgs {
		entries = append(entries, Entry{Name: c.Name, Cron: c.Cron, MaxDuration: c.MaxDuration.Duration})
	}
	return NewScheduler(entries, logger)
}

// NextRun returns the next time an entry comes due
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.parsed[name]
	if !ok {
		return time.Time{}
	}
	return sched.Next(s.lastRun[name])
}

// ShouldRun returns true if an entry is due and no run is active
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.parsed[name]
	if !ok || s.running != "" {
		return false
	}
	return !s.now().Before(sched.Next(s.lastRun[name]))
}

// MarkRunning marks an entry as the active run. It returns false if
// another run is active.
func (s *Scheduler) MarkRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != "" {
		return false
	}
	s.running = name
	return true
}

// MarkComplete clears the active run and records when name last ran
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == name {
		s.running = ""
	}
	s.lastRun[name] = s.now()
}

// Running returns the name of the active run, or ""
func (s *Scheduler) Running() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Entries returns all entries sorted by name
func (s *Scheduler) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start runs the scheduler loop until ctx is done or Stop is called, then
// waits for an active run to return.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.dispatch(ctx, run)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, run RunFunc) {
	for _, e := range s.Entries() {
		if !s.ShouldRun(e.Name) || !s.MarkRunning(e.Name) {
			continue
		}

		s.wg.Add(1)
		go func(e Entry) {
			defer s.wg.Done()
			defer s.MarkComplete(e.Name)

			logger := s.logger.With(slog.String("schedule", e.Name))
			logger.Info("scheduled run starting", slog.Duration("max_duration", e.MaxDuration))

			runCtx, cancel := context.WithTimeout(ctx, e.MaxDuration)
			defer cancel()
			if err := run(runCtx, e); err != nil {
				logger.Error("scheduled run failed", slog.String("error", err.Error()))
				return
			}
			logger.Info("scheduled run finished")
		}(e)
		// one run at a time
		return
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
