package domain

import "fmt"

// PrereqKind classifies what a builder waits for before it may start
type PrereqKind int

const (
	// PrereqPrefetch waits for the prefetch outcome
	PrereqPrefetch PrereqKind = iota
	// PrereqBuilder waits for another builder to finish successfully
	PrereqBuilder
	// PrereqOutput waits for another builder and then requires a file it produced
	PrereqOutput
)

// Prerequisite is one edge of the dependency graph, seen from the dependent builder
type Prerequisite struct {
	Kind    PrereqKind
	Builder string // set for PrereqBuilder and PrereqOutput
	Path    string // set for PrereqOutput
}

// Prefetch returns the prefetch-outcome prerequisite
func Prefetch() Prerequisite {
	return Prerequisite{Kind: PrereqPrefetch}
}

// After returns a prerequisite on another builder's completion
func After(builder string) Prerequisite {
	return Prerequisite{Kind: PrereqBuilder, Builder: builder}
}

// Output returns a prerequisite on a file materialized by another builder
func Output(builder, path string) Prerequisite {
	return Prerequisite{Kind: PrereqOutput, Builder: builder, Path: path}
}

// String returns a human readable form used in logs and errors
func (p Prerequisite) String() string {
	switch p.Kind {
	case PrereqPrefetch:
		return "prefetch"
	case PrereqBuilder:
		return "builder:" + p.Builder
	case PrereqOutput:
		return fmt.Sprintf("output:%s:%s", p.Builder, p.Path)
	default:
		return fmt.Sprintf("unknown(%d)", int(p.Kind))
	}
}

// Inputs is what a builder receives besides its span. It is passed by value
// and must be treated as read-only.
type Inputs struct {
	// Prefetch is the prefetch outcome; empty for builders without the
	// prefetch prerequisite.
	Prefetch PrefetchOutcome
}
