package hclspec

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// fileRoot is a struct used to decode all top-level blocks from a spec file.
type fileRoot struct {
	Studies []*studyBlock `hcl:"study,block"`
	Remain  hcl.Body      `hcl:",remain"`
}

type studyBlock struct {
	Name        string             `hcl:"name,label"`
	Root        string             `hcl:"root"`
	Generations []*generationBlock `hcl:"generation,block"`
}

type generationBlock struct {
	Name           string          `hcl:"name,label"`
	Executable     string          `hcl:"executable"`
	ConfigTemplate string          `hcl:"config_template,optional"`
	StaticFiles    []string        `hcl:"static_files,optional"`
	OutputMarkers  []string        `hcl:"output_markers,optional"`
	Backend        string          `hcl:"backend,optional"`
	Provides       []string        `hcl:"provides,optional"`
	Requires       []string        `hcl:"requires,optional"`
	Resources      *resourcesBlock `hcl:"resources,block"`
	Axes           []*axisBlock    `hcl:"axis,block"`
}

type resourcesBlock struct {
	CPUs     int    `hcl:"cpus,optional"`
	GPUs     int    `hcl:"gpus,optional"`
	MemoryMB int    `hcl:"memory_mb,optional"`
	Flavor   string `hcl:"flavor,optional"`
}

// axisBlock carries exactly one of values, linspace or logspace. The literal
// values list is decoded as a raw cty.Value because entries may mix numbers,
// strings and bools.
type axisBlock struct {
	Name     string      `hcl:"name,label"`
	Values   cty.Value   `hcl:"values,optional"`
	Target   []string    `hcl:"target,optional"`
	Linspace *rangeBlock `hcl:"linspace,block"`
	Logspace *rangeBlock `hcl:"logspace,block"`
}

type rangeBlock struct {
	Start float64 `hcl:"start"`
	Stop  float64 `hcl:"stop"`
	Count int     `hcl:"count"`
}
