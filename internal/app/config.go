package app

import (
	"errors"
	"time"
)

// Run modes.
const (
	// ModeConfigure expands the tree and materializes job directories.
	ModeConfigure = "configure"
	// ModeSubmit additionally runs a single control iteration.
	ModeSubmit = "submit"
	// ModeWatch keeps iterating until every job is terminal.
	ModeWatch = "watch"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	SpecPath  string // hcl study spec
	StorePath string // sqlite job database; empty means <study root>/jobs.db
	Mode      string

	MaxAttempts          int
	PollInterval         time.Duration
	SchedulerTimeout     time.Duration
	Workers              int
	OneGenerationAtATime bool
	ContainerImage       string

	LogFormat string
	LogLevel  string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.SpecPath == "" {
		return nil, errors.New("SpecPath is a required configuration field and cannot be empty")
	}
	switch cfg.Mode {
	case ModeConfigure, ModeSubmit, ModeWatch:
	default:
		return nil, errors.New("Mode must be one of 'configure', 'submit' or 'watch'")
	}
	return &cfg, nil
}
