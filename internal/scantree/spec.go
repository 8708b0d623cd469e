// Package scantree models a multi-generation parametric study: the declarative
// study specification, its deterministic expansion into a forest of scan
// nodes, and the materialization of each node's working directory.
package scantree

import (
	"errors"
	"fmt"
)

// ErrTemplateMissing is returned by Materialize when a generation's
// configuration template cannot be read.
var ErrTemplateMissing = errors.New("scantree: template missing")

// StudySpec is the format-agnostic representation of a study specification.
// Loaders (see internal/hclspec) translate their source format into this
// model; nothing below this package knows about HCL.
type StudySpec struct {
	// Name is the study identifier, used in job configs and logging.
	Name string
	// Root is the directory the job tree is laid out under.
	Root string
	// Generations are ordered by Index, which is 1-based and contiguous.
	Generations []*Generation
}

// Generation describes one stage of every lineage in the study.
type Generation struct {
	Index int
	// Name is the human-readable stage label, used in logs.
	Name string

	// Executable is the opaque command run for each job of this generation.
	Executable string
	// ConfigTemplate is the YAML file the per-job configuration is stamped from.
	ConfigTemplate string
	// StaticFiles are copied verbatim into every job directory.
	StaticFiles []string
	// OutputMarkers are files whose presence is the ground truth for
	// completion, cross-checked against optimistic scheduler status.
	OutputMarkers []string

	// Backend names the submission backend for this generation's jobs.
	Backend string
	// Resources are passed through to the backend's submission artifact.
	Resources Resources

	// Provides lists producer roles this generation's jobs fulfil for
	// descendant generations.
	Provides []string
	// Requires lists roles whose producers must be Finished before a job of
	// this generation becomes ready.
	Requires []string

	// Axes span the parameter space scanned at this generation. Order is
	// significant: the first axis varies slowest during expansion.
	Axes []*Axis
}

// Axis is one named parameter dimension of a generation's scan.
type Axis struct {
	Name string
	// Values holds the resolved scan values (strings, floats, ints or bools).
	Values []any
	// Target is the overlay path the value is stamped at inside the job
	// config. Empty means ["parameters", Name].
	Target []string
}

// Resources are the scheduling requests forwarded to cluster backends.
type Resources struct {
	CPUs     int
	GPUs     int
	MemoryMB int
	Flavor   string
}

// TargetPath returns the overlay path for the axis, applying the default.
func (a *Axis) TargetPath() []string {
	if len(a.Target) > 0 {
		return a.Target
	}
	return []string{"parameters", a.Name}
}

// Generation returns the generation with the given 1-based index.
func (s *StudySpec) Generation(index int) (*Generation, bool) {
	if index < 1 || index > len(s.Generations) {
		return nil, false
	}
	return s.Generations[index-1], true
}

// Validate checks the structural invariants a loader must deliver: non-empty
// identity, contiguous 1-based generation indices, and well-formed axes.
func (s *StudySpec) Validate() error {
	if s.Name == "" {
		return errors.New("scantree: study name is required")
	}
	if s.Root == "" {
		return errors.New("scantree: study root is required")
	}
	if len(s.Generations) == 0 {
		return errors.New("scantree: at least one generation is required")
	}
	providers := make(map[string]int)
	for i, gen := range s.Generations {
		if gen.Index != i+1 {
			return fmt.Errorf("scantree: generation indices must be contiguous from 1, got %d at position %d", gen.Index, i+1)
		}
		if gen.Executable == "" {
			return fmt.Errorf("scantree: generation %d: executable is required", gen.Index)
		}
		seen := make(map[string]bool)
		for _, axis := range gen.Axes {
			if axis.Name == "" {
				return fmt.Errorf("scantree: generation %d: axis name is required", gen.Index)
			}
			if seen[axis.Name] {
				return fmt.Errorf("scantree: generation %d: duplicate axis %q", gen.Index, axis.Name)
			}
			seen[axis.Name] = true
			if len(axis.Values) == 0 {
				return fmt.Errorf("scantree: generation %d: axis %q has no values", gen.Index, axis.Name)
			}
		}
		for _, role := range gen.Provides {
			providers[role] = gen.Index
		}
		for _, role := range gen.Requires {
			provider, ok := providers[role]
			if !ok {
				return fmt.Errorf("scantree: generation %d: required role %q has no provider in any earlier generation", gen.Index, role)
			}
			if provider >= gen.Index {
				return fmt.Errorf("scantree: generation %d: required role %q is only provided at generation %d", gen.Index, role, provider)
			}
		}
	}
	return nil
}
