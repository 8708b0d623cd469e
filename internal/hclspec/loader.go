// Package hclspec loads study specifications written in HCL and translates
// them into the format-agnostic scantree model.
package hclspec

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/scanforge/internal/ctxlog"
	"github.com/vk/scanforge/internal/scantree"
)

// Loader is the HCL-specific study spec loader.
type Loader struct{}

// NewLoader creates a new HCL study spec loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses the spec file at path and returns the validated study model.
// A file must contain exactly one study block.
func (l *Loader) Load(ctx context.Context, path string) (*scantree.StudySpec, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL spec loader started.", "path", path)

	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse spec file %s: %w", path, diags)
	}

	var root fileRoot
	diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode spec file %s: %w", path, diags)
	}

	if len(root.Studies) != 1 {
		return nil, fmt.Errorf("spec file %s must contain exactly one study block, found %d", path, len(root.Studies))
	}

	spec, err := l.translateStudy(ctx, root.Studies[0])
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("HCL spec loading complete.", "study", spec.Name, "generations", len(spec.Generations))
	return spec, nil
}

// translateStudy converts the HCL-specific study schema into the agnostic model.
func (l *Loader) translateStudy(ctx context.Context, s *studyBlock) (*scantree.StudySpec, error) {
	spec := &scantree.StudySpec{
		Name: s.Name,
		Root: s.Root,
	}
	for i, gen := range s.Generations {
		translated, err := l.translateGeneration(ctx, gen, i+1)
		if err != nil {
			return nil, fmt.Errorf("in study '%s': %w", s.Name, err)
		}
		spec.Generations = append(spec.Generations, translated)
	}
	return spec, nil
}

func (l *Loader) translateGeneration(ctx context.Context, g *generationBlock, index int) (*scantree.Generation, error) {
	logger := ctxlog.FromContext(ctx).With("generation", g.Name)
	logger.Debug("Translating HCL generation to internal model.", "index", index)

	backend := g.Backend
	if backend == "" {
		backend = "local"
	}
	gen := &scantree.Generation{
		Index:          index,
		Name:           g.Name,
		Executable:     g.Executable,
		ConfigTemplate: g.ConfigTemplate,
		StaticFiles:    g.StaticFiles,
		OutputMarkers:  g.OutputMarkers,
		Backend:        backend,
		Provides:       g.Provides,
		Requires:       g.Requires,
	}
	if g.Resources != nil {
		gen.Resources = scantree.Resources{
			CPUs:     g.Resources.CPUs,
			GPUs:     g.Resources.GPUs,
			MemoryMB: g.Resources.MemoryMB,
			Flavor:   g.Resources.Flavor,
		}
	}
	for _, axis := range g.Axes {
		translated, err := l.translateAxis(axis)
		if err != nil {
			return nil, fmt.Errorf("generation '%s': %w", g.Name, err)
		}
		gen.Axes = append(gen.Axes, translated)
	}
	return gen, nil
}

// translateAxis resolves the axis value source. Exactly one of the literal
// values list, a linspace block or a logspace block must be present.
func (l *Loader) translateAxis(a *axisBlock) (*scantree.Axis, error) {
	sources := 0
	hasValues := !a.Values.IsNull() && a.Values.IsKnown()
	if hasValues {
		sources++
	}
	if a.Linspace != nil {
		sources++
	}
	if a.Logspace != nil {
		sources++
	}
	if sources != 1 {
		return nil, fmt.Errorf("axis '%s': exactly one of values, linspace or logspace is required", a.Name)
	}

	axis := &scantree.Axis{
		Name:   a.Name,
		Target: a.Target,
	}
	switch {
	case hasValues:
		values, err := ctyToValues(a.Values)
		if err != nil {
			return nil, fmt.Errorf("axis '%s': %w", a.Name, err)
		}
		axis.Values = values
	case a.Linspace != nil:
		if a.Linspace.Count < 1 {
			return nil, fmt.Errorf("axis '%s': linspace count must be positive", a.Name)
		}
		axis.Values = scantree.Linspace(a.Linspace.Start, a.Linspace.Stop, a.Linspace.Count)
	case a.Logspace != nil:
		if a.Logspace.Count < 1 {
			return nil, fmt.Errorf("axis '%s': logspace count must be positive", a.Name)
		}
		axis.Values = scantree.Logspace(a.Logspace.Start, a.Logspace.Stop, a.Logspace.Count)
	}
	return axis, nil
}
