package app

import (
	"context"
	"fmt"

	"github.com/vk/scanforge/internal/ctxlog"
)

// Run executes the configured mode and releases the app's resources.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	ctx = ctxlog.WithLogger(ctx, a.logger)

	if err := a.orch.AttachRecords(ctx); err != nil {
		return fmt.Errorf("attaching job records: %w", err)
	}
	if err := a.orch.ConfigureJobs(ctx); err != nil {
		return fmt.Errorf("configuring jobs: %w", err)
	}
	if a.config.Mode == ModeConfigure {
		a.logger.Info("Study configured.", "nodes", a.tree.Len())
		return nil
	}

	if a.config.Mode == ModeSubmit {
		snap, err := a.orch.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("control iteration: %w", err)
		}
		a.logger.Info("Control iteration complete.", append([]any{"state", snap.State()}, snap.LogArgs()...)...)
		return nil
	}

	snap, err := a.orch.KeepSubmitUntilDone(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("Study complete.", append([]any{"state", snap.State()}, snap.LogArgs()...)...)
	if snap.State() == "finished with issues" {
		fmt.Fprintln(a.outW, "study finished with abandoned jobs; see the job store for details")
	}
	return nil
}
