// Package scheduler compiles the builder dependency graph into ordered
// stages and runs them.
//
// Stages run strictly one after another. The members of a stage run
// concurrently and are all awaited before the next stage begins; a failing
// member never cancels its siblings.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hochfrequenz/ruleset-build/internal/domain"
	"github.com/hochfrequenz/ruleset-build/internal/registry"
)

var (
	ErrUnknownBuilder      = errors.New("unknown builder")
	ErrInvalidPrerequisite = errors.New("invalid prerequisite")
	ErrCycle               = errors.New("dependency cycle")
	ErrDependencyFailed    = errors.New("prerequisite builder did not succeed")
	ErrOutputMissing       = errors.New("prerequisite output missing")
)

// CycleError reports a dependency cycle found at compile time
type CycleError struct {
	Path []string // first and last element are the same builder
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// Is makes errors.Is(err, ErrCycle) match
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// Stage is a set of builders whose prerequisites are all satisfied by the
// stages before it. Builders are sorted by name; they run in no particular order.
type Stage struct {
	Index    int
	Builders []string
}

// Options configures graph execution
type Options struct {
	// MaxParallel caps the builders running at once within a stage; 0 means no cap
	MaxParallel int
	Logger      *slog.Logger
}

// Graph is the declarative dependency graph over a registry's builders
type Graph struct {
	reg     *registry.Registry
	prereqs map[string][]domain.Prerequisite
	fatal   map[string]bool
	opts    Options
}

// NewGraph creates an empty graph over reg
func NewGraph(reg *registry.Registry, opts Options) *Graph {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Graph{
		reg:     reg,
		prereqs: make(map[string][]domain.Prerequisite),
		fatal:   make(map[string]bool),
		opts:    opts,
	}
}

// AddEdge declares that builder may only start once p is satisfied
func (g *Graph) AddEdge(builder string, p domain.Prerequisite) error {
	if _, ok := g.reg.Get(builder); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBuilder, builder)
	}

	switch p.Kind {
	case domain.PrereqPrefetch:
	case domain.PrereqBuilder, domain.PrereqOutput:
		if _, ok := g.reg.Get(p.Builder); !ok {
			return fmt.Errorf("%w: %s (required by %s)", ErrUnknownBuilder, p.Builder, builder)
		}
		if p.Kind == domain.PrereqOutput && p.Path == "" {
			return fmt.Errorf("%w: output of %s required by %s has no path", ErrInvalidPrerequisite, p.Builder, builder)
		}
	default:
		return fmt.Errorf("%w: %s", ErrInvalidPrerequisite, p)
	}

	for _, existing := range g.prereqs[builder] {
		if existing == p {
			return nil
		}
	}
	g.prereqs[builder] = append(g.prereqs[builder], p)
	return nil
}

// SetFatal marks a builder whose failure aborts all later stages
func (g *Graph) SetFatal(builder string) error {
	if _, ok := g.reg.Get(builder); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBuilder, builder)
	}
	g.fatal[builder] = true
	return nil
}

// IsFatal reports whether builder was marked fatal
func (g *Graph) IsFatal(builder string) bool {
	return g.fatal[builder]
}

// Prerequisites returns the prerequisites declared for builder
func (g *Graph) Prerequisites(builder string) []domain.Prerequisite {
	return append([]domain.Prerequisite(nil), g.prereqs[builder]...)
}

// dependsOn returns the distinct builders that builder waits for
func (g *Graph) dependsOn(builder string) []string {
	seen := make(map[string]bool)
	var deps []string
	for _, p := range g.prereqs[builder] {
		if p.Kind == domain.PrereqPrefetch || seen[p.Builder] {
			continue
		}
		seen[p.Builder] = true
		deps = append(deps, p.Builder)
	}
	return deps
}

// Compile groups every registered builder into stages. Stage n holds the
// builders whose builder and output prerequisites all sit in stages < n; the
// prefetch prerequisite never delays a builder to a later stage. A cycle is
// reported as a *CycleError.
func (g *Graph) Compile() ([]Stage, error) {
	names := g.reg.Names()
	if len(names) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(names))
	dependents := make(map[string][]string) // builder -> builders waiting for it
	for _, name := range names {
		deps := g.dependsOn(name)
		inDegree[name] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var current []string
	for _, name := range names {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	var stages []Stage
	scheduled := 0
	for len(current) > 0 {
		sort.Strings(current)
		stages = append(stages, Stage{Index: len(stages) + 1, Builders: current})
		scheduled += len(current)

		var next []string
		for _, id := range current {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if scheduled < len(names) {
		var remaining []string
		for _, name := range names {
			if inDegree[name] > 0 {
				remaining = append(remaining, name)
			}
		}
		return nil, g.findCycle(remaining)
	}

	return stages, nil
}

// findCycle walks the unscheduled builders depth first and returns the first
// cycle it closes
func (g *Graph) findCycle(remaining []string) error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		for _, dep := range g.dependsOn(node) {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), dep)
				return &CycleError{Path: cycle}
			}
		}

		path = path[:len(path)-1]
		onStack[node] = false
		return nil
	}

	for _, name := range remaining {
		if !visited[name] {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}

	// not reached: layering only stalls on a cycle
	return &CycleError{Path: remaining}
}
