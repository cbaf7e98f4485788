// Package trace records a tree of timed spans for a pipeline run and renders
// it once the run is over. Every span is mirrored to OpenTelemetry; without an
// installed provider that mirror is a no-op.
package trace

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/hochfrequenz/ruleset-build/internal/trace")

// Status is the state of a span
type Status string

const (
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
)

// Span is a named, timed unit of work. A parent exclusively owns its
// children. All methods are safe for concurrent use.
type Span struct {
	name  string
	start time.Time
	otel  oteltrace.Span

	mu       sync.Mutex
	end      time.Time
	status   Status
	err      error
	children []*Span
}

// New creates a root span in the running state
func New(name string) *Span {
	_, otelSpan := tracer.Start(context.Background(), name)
	return &Span{
		name:   name,
		start:  time.Now(),
		otel:   otelSpan,
		status: StatusRunning,
	}
}

// Name returns the span name
func (s *Span) Name() string {
	return s.name
}

// Status returns the current status
func (s *Span) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Span) newChild(ctx context.Context, name string) (context.Context, *Span) {
	ctx, otelSpan := tracer.Start(oteltrace.ContextWithSpan(ctx, s.otel), name)
	child := &Span{
		name:   name,
		start:  time.Now(),
		otel:   otelSpan,
		status: StatusRunning,
	}

	s.mu.Lock()
	s.children = append(s.children, child)
	s.mu.Unlock()

	return ctx, child
}

// Child runs fn inside a new child span. The child is closed as ok or failed
// depending on fn's error, which is returned unchanged. A panic in fn marks
// the child failed and keeps unwinding.
func (s *Span) Child(ctx context.Context, name string, fn func(context.Context, *Span) error) error {
	ctx, child := s.newChild(ctx, name)

	defer func() {
		if r := recover(); r != nil {
			child.finish(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err := fn(ctx, child)
	child.finish(err)
	return err
}

// Task is a child span running on its own goroutine
type Task struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task has finished and returns its error
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Done is closed once the task has finished
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// ChildAsync starts fn in a new child span on a separate goroutine. A panic
// in fn is converted into the task's error.
func (s *Span) ChildAsync(ctx context.Context, name string, fn func(context.Context, *Span) error) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		t.err = s.Child(ctx, name, fn)
	}()
	return t
}

// Stop closes the span as ok if it is still running
func (s *Span) Stop() {
	s.finish(nil)
}

// StopWithError closes the span as failed if it is still running. A nil err
// closes it as ok, like Stop.
func (s *Span) StopWithError(err error) {
	s.finish(err)
}

func (s *Span) finish(err error) {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	s.end = time.Now()
	if err != nil {
		s.status = StatusFailed
		s.err = err
	} else {
		s.status = StatusOK
	}
	s.mu.Unlock()

	if err != nil {
		s.otel.RecordError(err)
		s.otel.SetStatus(codes.Error, err.Error())
	} else {
		s.otel.SetStatus(codes.Ok, "")
	}
	s.otel.End()
}

// Result is an immutable snapshot of a span tree
type Result struct {
	Name     string        `yaml:"name"`
	Start    time.Time     `yaml:"start"`
	End      time.Time     `yaml:"end,omitempty"`
	Duration time.Duration `yaml:"duration"`
	Status   Status        `yaml:"status"`
	Error    string        `yaml:"error,omitempty"`
	Children []Result      `yaml:"children,omitempty"`
}

// Result snapshots the span and its descendants. Running spans report the
// time elapsed so far. Children are ordered by start time.
func (s *Span) Result() Result {
	s.mu.Lock()
	r := Result{
		Name:   s.name,
		Start:  s.start,
		End:    s.end,
		Status: s.status,
	}
	if s.err != nil {
		r.Error = s.err.Error()
	}
	children := make([]*Span, len(s.children))
	copy(children, s.children)
	s.mu.Unlock()

	if r.End.IsZero() {
		r.Duration = time.Since(r.Start)
	} else {
		r.Duration = r.End.Sub(r.Start)
	}

	sort.SliceStable(children, func(i, j int) bool {
		return children[i].start.Before(children[j].start)
	})
	for _, c := range children {
		r.Children = append(r.Children, c.Result())
	}
	return r
}

// Find returns the first span in the tree (depth first) with the given name
func (r Result) Find(name string) (Result, bool) {
	if r.Name == name {
		return r, true
	}
	for _, c := range r.Children {
		if found, ok := c.Find(name); ok {
			return found, true
		}
	}
	return Result{}, false
}
