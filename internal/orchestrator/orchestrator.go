// Package orchestrator drives a study from expanded tree to finished jobs:
// it materializes working directories, submits ready jobs through their
// backends, polls the schedulers, checks completion markers, and retires
// jobs that ran out of attempts. Every state change goes through the
// store's compare-and-swap, so concurrent invocations never double-submit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vk/scanforge/internal/backend"
	"github.com/vk/scanforge/internal/ctxlog"
	"github.com/vk/scanforge/internal/depgraph"
	"github.com/vk/scanforge/internal/jobstore"
	"github.com/vk/scanforge/internal/scantree"
)

// Orchestrator binds one study's tree, store and backends together.
type Orchestrator struct {
	tree     *scantree.ScanTree
	graph    *depgraph.Graph
	store    jobstore.Store
	registry *backend.Registry
	policy   Policy

	now func() time.Time
}

// New creates an orchestrator for the tree. Every generation's backend must
// already be registered: an unknown backend would otherwise surface only at
// submission time and leave its jobs parked forever.
func New(tree *scantree.ScanTree, store jobstore.Store, registry *backend.Registry, policy Policy) (*Orchestrator, error) {
	for _, gen := range tree.Spec.Generations {
		if _, err := registry.Lookup(gen.Backend); err != nil {
			return nil, fmt.Errorf("orchestrator: generation %d: %w", gen.Index, err)
		}
	}
	return &Orchestrator{
		tree:     tree,
		graph:    depgraph.New(tree),
		store:    store,
		registry: registry,
		policy:   policy.withDefaults(),
		now:      time.Now,
	}, nil
}

// AttachRecords inserts an unconfigured record for every tree node the store
// does not know yet. Existing records are left untouched, so re-running
// against a half-finished study resumes instead of restarting.
func (o *Orchestrator) AttachRecords(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	inserted := 0
	for _, node := range o.tree.Nodes() {
		ok, err := o.store.Put(ctx, jobstore.Record{
			NodeID:     node.ID,
			Generation: node.Generation,
			Status:     jobstore.StatusUnconfigured,
			LastSeen:   o.now(),
		})
		if err != nil {
			return err
		}
		if ok {
			inserted++
		}
	}
	logger.Info("Attached job records.", "nodes", o.tree.Len(), "new", inserted)
	return nil
}

// ConfigureJobs materializes every unconfigured node's working directory and
// marks it configured.
func (o *Orchestrator) ConfigureJobs(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	records, err := o.recordMap(ctx)
	if err != nil {
		return err
	}
	configured := 0
	for _, node := range o.tree.Nodes() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := records[node.ID]
		if !ok || rec.Status != jobstore.StatusUnconfigured {
			continue
		}
		if err := o.tree.Materialize(node); err != nil {
			return fmt.Errorf("orchestrator: configure %s: %w", node.ID, err)
		}
		if _, err := o.store.Transition(ctx, node.ID, jobstore.StatusUnconfigured, jobstore.StatusConfigured, nil); err != nil {
			if errors.Is(err, jobstore.ErrConflict) {
				continue
			}
			return err
		}
		configured++
	}
	logger.Info("Configured job directories.", "configured", configured)
	return nil
}

// RunOnce executes one control iteration: poll in-flight jobs, write off
// dead lineages, gate retries, submit everything ready, and report the
// study's state.
func (o *Orchestrator) RunOnce(ctx context.Context) (Snapshot, error) {
	records, err := o.recordMap(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	if err := o.pollInFlight(ctx, records); err != nil {
		return Snapshot{}, err
	}

	records, err = o.recordMap(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	res := o.graph.Ready(records, o.policy.OneGenerationAtATime)

	if err := o.abandonDoomed(ctx, res.Doomed, records); err != nil {
		return Snapshot{}, err
	}

	candidates := o.gateRetries(ctx, res.Ready, records)
	o.submitAll(ctx, candidates)

	final, err := o.store.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return takeSnapshot(o.now(), final), nil
}

// KeepSubmitUntilDone runs control iterations until every job is terminal or
// the context is cancelled. The final snapshot is returned either way.
func (o *Orchestrator) KeepSubmitUntilDone(ctx context.Context) (Snapshot, error) {
	logger := ctxlog.FromContext(ctx)
	ticker := time.NewTicker(o.policy.PollInterval)
	defer ticker.Stop()

	for {
		snap, err := o.RunOnce(ctx)
		if err != nil {
			return snap, err
		}
		logger.Info("Control iteration complete.", append([]any{"state", snap.State()}, snap.LogArgs()...)...)
		if snap.Done() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollInFlight settles every submitted or running job against its scheduler
// and the on-disk markers. Markers win: the scheduler's memory is advisory,
// the tagged outcome on disk is not.
func (o *Orchestrator) pollInFlight(ctx context.Context, records map[string]jobstore.Record) error {
	logger := ctxlog.FromContext(ctx)
	for _, node := range o.tree.Nodes() {
		rec, ok := records[node.ID]
		if !ok {
			continue
		}
		if rec.Status != jobstore.StatusSubmitted && rec.Status != jobstore.StatusRunning {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		job, b, err := o.buildJob(node)
		if err != nil {
			logger.Warn("Cannot poll job.", "node", node.ID, "error", err)
			reason := err.Error()
			_, err := o.store.Transition(ctx, node.ID, rec.Status, jobstore.StatusFailed, func(r *jobstore.Record) {
				r.LastError = reason
				r.Strikes = 0
			})
			if err != nil && !errors.Is(err, jobstore.ErrConflict) {
				return err
			}
			continue
		}

		state, err := b.Poll(ctx, job, rec.Handle)
		if err != nil {
			if errors.Is(err, backend.ErrUnavailable) {
				logger.Warn("Scheduler unavailable, keeping job as is.", "node", node.ID)
				continue
			}
			return err
		}
		markers, err := backend.CheckMarkers(job)
		if err != nil {
			return err
		}

		if err := o.settle(ctx, node.ID, rec, state, markers); err != nil && !errors.Is(err, jobstore.ErrConflict) {
			return err
		}
	}
	return nil
}

// settle applies one poll observation to a record.
func (o *Orchestrator) settle(ctx context.Context, nodeID string, rec jobstore.Record, state, markers backend.PollState) error {
	fail := func(reason string) error {
		_, err := o.store.Transition(ctx, nodeID, rec.Status, jobstore.StatusFailed, func(r *jobstore.Record) {
			r.LastError = reason
			r.Strikes = 0
		})
		return err
	}

	switch markers {
	case backend.PollFailed:
		return fail("failure marker present")
	case backend.PollFinished:
		_, err := o.store.Transition(ctx, nodeID, rec.Status, jobstore.StatusFinished, func(r *jobstore.Record) {
			r.LastError = ""
			r.Strikes = 0
		})
		return err
	}

	switch state {
	case backend.PollRunning:
		_, err := o.store.Transition(ctx, nodeID, rec.Status, jobstore.StatusRunning, func(r *jobstore.Record) {
			r.Strikes = 0
		})
		return err
	case backend.PollFinished:
		// The scheduler believes the job is over but nothing on disk backs
		// that up.
		return fail("completed without markers")
	case backend.PollFailed:
		return fail("scheduler reports job dead")
	default:
		if rec.Strikes+1 >= o.policy.MaxStrikes {
			return fail("lost by scheduler")
		}
		_, err := o.store.Transition(ctx, nodeID, rec.Status, rec.Status, func(r *jobstore.Record) {
			r.Strikes++
		})
		return err
	}
}

// abandonDoomed retires jobs whose lineage can never finish.
func (o *Orchestrator) abandonDoomed(ctx context.Context, doomed []*scantree.ScanNode, records map[string]jobstore.Record) error {
	logger := ctxlog.FromContext(ctx)
	for _, node := range doomed {
		rec := records[node.ID]
		_, err := o.store.Transition(ctx, node.ID, rec.Status, jobstore.StatusAbandoned, func(r *jobstore.Record) {
			r.LastError = "lineage cannot finish"
		})
		if err != nil {
			if errors.Is(err, jobstore.ErrConflict) || errors.Is(err, jobstore.ErrBadTransition) {
				continue
			}
			return err
		}
		logger.Info("Abandoned job with dead lineage.", "node", node.ID)
	}
	return nil
}

// gateRetries filters the ready set down to submission candidates. Failed
// jobs consume their retry budget here: out of attempts means abandoned,
// backoff not yet elapsed means wait, otherwise the job goes back to
// configured and is submitted like any other.
func (o *Orchestrator) gateRetries(ctx context.Context, ready []*scantree.ScanNode, records map[string]jobstore.Record) []*scantree.ScanNode {
	logger := ctxlog.FromContext(ctx)
	var candidates []*scantree.ScanNode
	for _, node := range ready {
		rec := records[node.ID]
		if rec.Status == jobstore.StatusFailed {
			if rec.Attempts >= o.policy.MaxAttempts {
				_, err := o.store.Transition(ctx, node.ID, jobstore.StatusFailed, jobstore.StatusAbandoned, func(r *jobstore.Record) {
					r.LastError = fmt.Sprintf("gave up after %d attempts: %s", rec.Attempts, rec.LastError)
				})
				if err == nil {
					logger.Warn("Abandoned job after final attempt.", "node", node.ID, "attempts", rec.Attempts)
				}
				continue
			}
			if wait := o.policy.retryDelay(rec.Attempts); wait > 0 && o.now().Before(rec.LastSeen.Add(wait)) {
				continue
			}
			if _, err := o.store.Transition(ctx, node.ID, jobstore.StatusFailed, jobstore.StatusConfigured, nil); err != nil {
				continue
			}
		}
		candidates = append(candidates, node)
	}
	return candidates
}

// submitAll pushes every candidate through a bounded worker pool. Submission
// errors are recorded on the job, never returned: one bad job must not stall
// the rest of the study.
func (o *Orchestrator) submitAll(ctx context.Context, candidates []*scantree.ScanNode) {
	if len(candidates) == 0 {
		return
	}
	work := make(chan *scantree.ScanNode)
	var wg sync.WaitGroup
	for range o.policy.SubmitWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for node := range work {
				o.submitOne(ctx, node)
			}
		}()
	}
	for _, node := range candidates {
		work <- node
	}
	close(work)
	wg.Wait()
}

// submitOne claims and submits a single job. The claim happens before the
// scheduler is contacted: if the outcome of the handoff is never observed,
// the record stays submitted with an empty handle and the poll loop settles
// it from the markers, so the job is never handed over twice.
func (o *Orchestrator) submitOne(ctx context.Context, node *scantree.ScanNode) {
	logger := ctxlog.FromContext(ctx).With("node", node.ID)

	job, b, err := o.buildJob(node)
	if err != nil {
		// Burn an attempt through the regular claim so the failure is
		// captured on the record and the retry ceiling still applies.
		logger.Warn("Cannot build submission.", "error", err)
		reason := err.Error()
		if _, cerr := o.store.Transition(ctx, node.ID, jobstore.StatusConfigured, jobstore.StatusSubmitted, func(r *jobstore.Record) {
			r.Attempts++
			r.Handle = ""
			r.Strikes = 0
		}); cerr != nil {
			logger.Debug("Claim lost.", "error", cerr)
			return
		}
		if _, cerr := o.store.Transition(ctx, node.ID, jobstore.StatusSubmitted, jobstore.StatusFailed, func(r *jobstore.Record) {
			r.LastError = reason
		}); cerr != nil {
			logger.Warn("Could not record build failure.", "error", cerr)
		}
		return
	}

	if _, err := o.store.Transition(ctx, node.ID, jobstore.StatusConfigured, jobstore.StatusSubmitted, func(r *jobstore.Record) {
		r.Attempts++
		r.Backend = b.Name()
		r.Handle = ""
		r.LastError = ""
		r.Strikes = 0
	}); err != nil {
		// Someone else claimed it first.
		logger.Debug("Claim lost.", "error", err)
		return
	}

	failBack := func(reason string) {
		if _, err := o.store.Transition(ctx, node.ID, jobstore.StatusSubmitted, jobstore.StatusFailed, func(r *jobstore.Record) {
			r.LastError = reason
		}); err != nil {
			logger.Warn("Could not record submission failure.", "error", err)
		}
	}

	// A previous attempt may have left its outcome markers behind. They must
	// go before the scheduler sees the job, or the poll loop settles the new
	// attempt from the old verdict while it is still queued.
	if err := backend.ClearMarkers(job); err != nil {
		logger.Warn("Clearing stale markers failed.", "error", err)
		failBack(err.Error())
		return
	}

	if err := b.WriteSubmission(ctx, job); err != nil {
		logger.Warn("Writing submission artifacts failed.", "error", err)
		failBack(err.Error())
		return
	}

	handle, err := b.Submit(ctx, job)
	switch {
	case errors.Is(err, backend.ErrUnavailable):
		// Outcome unknown. The record keeps its claim and an empty handle.
		logger.Warn("Submission outcome unknown, scheduler unavailable.")
		return
	case err != nil:
		logger.Warn("Submission rejected.", "error", err)
		failBack(err.Error())
		return
	}

	if _, err := o.store.Transition(ctx, node.ID, jobstore.StatusSubmitted, jobstore.StatusSubmitted, func(r *jobstore.Record) {
		r.Handle = handle
	}); err != nil {
		logger.Warn("Could not record scheduler handle.", "handle", handle, "error", err)
		return
	}
	logger.Info("Submitted job.", "backend", b.Name(), "handle", handle)
}

// buildJob assembles the backend job for a node.
func (o *Orchestrator) buildJob(node *scantree.ScanNode) (backend.Job, backend.Backend, error) {
	gen, ok := o.tree.Spec.Generation(node.Generation)
	if !ok {
		return backend.Job{}, nil, fmt.Errorf("orchestrator: node %s references unknown generation %d", node.ID, node.Generation)
	}
	b, err := o.registry.Lookup(gen.Backend)
	if err != nil {
		return backend.Job{}, nil, err
	}
	stageIn, err := o.graph.ProviderDirs(node)
	if err != nil {
		return backend.Job{}, nil, err
	}
	return backend.Job{
		NodeID:        node.ID,
		Dir:           node.Dir,
		Executable:    gen.Executable,
		Resources:     gen.Resources,
		StageIn:       stageIn,
		OutputMarkers: gen.OutputMarkers,
	}, b, nil
}

func (o *Orchestrator) recordMap(ctx context.Context) (map[string]jobstore.Record, error) {
	list, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	records := make(map[string]jobstore.Record, len(list))
	for _, rec := range list {
		records[rec.NodeID] = rec
	}
	return records, nil
}
