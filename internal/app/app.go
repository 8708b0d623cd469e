// Package app wires the study spec, the job store, the backends and the
// orchestrator into a runnable application.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/vk/scanforge/internal/backend"
	"github.com/vk/scanforge/internal/ctxlog"
	"github.com/vk/scanforge/internal/hclspec"
	"github.com/vk/scanforge/internal/jobstore"
	"github.com/vk/scanforge/internal/orchestrator"
	"github.com/vk/scanforge/internal/scantree"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
	tree   *scantree.ScanTree
	store  jobstore.Store
	orch   *orchestrator.Orchestrator
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger, expanded scan
// tree, job store and backend registry.
func NewApp(outW io.Writer, appConfig *Config) *App {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	spec, err := hclspec.NewLoader().Load(ctx, appConfig.SpecPath)
	if err != nil {
		// A failure to load the spec is a fatal startup error.
		panic(fmt.Errorf("failed to load study spec: %w", err))
	}
	tree, err := scantree.Expand(spec)
	if err != nil {
		panic(fmt.Errorf("failed to expand study spec: %w", err))
	}
	logger.Debug("Study expanded.", "study", spec.Name, "nodes", tree.Len())

	storePath := appConfig.StorePath
	if storePath == "" {
		storePath = filepath.Join(spec.Root, "jobs.db")
	}
	store, err := jobstore.OpenSQLite(storePath)
	if err != nil {
		panic(fmt.Errorf("failed to open job store %s: %w", storePath, err))
	}
	logger.Debug("Job store opened.", "path", storePath)

	registry := newBackendRegistry(appConfig)
	orch, err := orchestrator.New(tree, store, registry, orchestrator.Policy{
		MaxAttempts:          appConfig.MaxAttempts,
		PollInterval:         appConfig.PollInterval,
		SubmitWorkers:        appConfig.Workers,
		OneGenerationAtATime: appConfig.OneGenerationAtATime,
	})
	if err != nil {
		panic(fmt.Errorf("failed to set up orchestrator: %w", err))
	}

	return &App{
		outW:   outW,
		logger: logger,
		config: appConfig,
		tree:   tree,
		store:  store,
		orch:   orch,
	}
}

// newBackendRegistry assembles the submission backends. Cluster backends
// share one command runner; the container backend, when an image is
// configured, wraps local execution.
func newBackendRegistry(cfg *Config) *backend.Registry {
	registry := backend.NewRegistry()
	runner := &backend.ExecRunner{Timeout: cfg.SchedulerTimeout}

	local := backend.NewLocal()
	registry.Register(local)
	registry.Register(backend.NewHTCondor(runner))
	registry.Register(backend.NewSlurm(runner))
	if cfg.ContainerImage != "" {
		registry.Register(backend.NewContainer(cfg.ContainerImage, local))
	}
	return registry
}
