package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/scanforge/internal/backend"
	"github.com/vk/scanforge/internal/jobstore"
	"github.com/vk/scanforge/internal/scantree"
)

// fakeBackend is a scriptable backend: per-node submit errors and poll
// states, plus a submission counter to assert idempotency.
type fakeBackend struct {
	mu         sync.Mutex
	submits    map[string]int
	submitErr  map[string]error
	pollStates map[string]backend.PollState
	pollErrs   map[string][]error
	nextHandle int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		submits:    make(map[string]int),
		submitErr:  make(map[string]error),
		pollStates: make(map[string]backend.PollState),
		pollErrs:   make(map[string][]error),
	}
}

func (f *fakeBackend) Name() string { return "local" }

func (f *fakeBackend) WriteSubmission(_ context.Context, _ backend.Job) error { return nil }

func (f *fakeBackend) Submit(_ context.Context, job backend.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits[job.NodeID]++
	if err := f.submitErr[job.NodeID]; err != nil {
		return "", err
	}
	f.nextHandle++
	return strconv.Itoa(f.nextHandle), nil
}

func (f *fakeBackend) Poll(_ context.Context, job backend.Job, _ string) (backend.PollState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if queued := f.pollErrs[job.NodeID]; len(queued) > 0 {
		err := queued[0]
		f.pollErrs[job.NodeID] = queued[1:]
		return backend.PollUnknown, err
	}
	return f.pollStates[job.NodeID], nil
}

func (f *fakeBackend) submitCount(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[nodeID]
}

func (f *fakeBackend) setPoll(nodeID string, state backend.PollState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollStates[nodeID] = state
}

func (f *fakeBackend) rejectSubmit(nodeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr[nodeID] = fmt.Errorf("%w: fake scheduler said no", backend.ErrRejected)
}

type fixture struct {
	orch  *Orchestrator
	fake  *fakeBackend
	store jobstore.Store
	tree  *scantree.ScanTree
}

func twoGenSpec(root string) *scantree.StudySpec {
	return &scantree.StudySpec{
		Name: "energy-scan",
		Root: root,
		Generations: []*scantree.Generation{
			{
				Index:      1,
				Executable: "prepare.sh",
				Backend:    "local",
				Provides:   []string{"optics"},
				Axes:       []*scantree.Axis{{Name: "energy", Values: []any{"A", "B"}}},
			},
			{
				Index:      2,
				Executable: "track.sh",
				Backend:    "local",
				Requires:   []string{"optics"},
				Axes:       []*scantree.Axis{{Name: "seed", Values: []any{1, 2}}},
			},
		},
	}
}

func newFixture(t *testing.T, spec *scantree.StudySpec, policy Policy) *fixture {
	t.Helper()
	tree, err := scantree.Expand(spec)
	require.NoError(t, err)

	fake := newFakeBackend()
	registry := backend.NewRegistry()
	registry.Register(fake)

	store := jobstore.NewMemoryStore()
	orch, err := New(tree, store, registry, policy)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, orch.AttachRecords(ctx))
	require.NoError(t, orch.ConfigureJobs(ctx))
	return &fixture{orch: orch, fake: fake, store: store, tree: tree}
}

func (f *fixture) status(t *testing.T, nodeID string) jobstore.Record {
	t.Helper()
	rec, err := f.store.Get(context.Background(), nodeID)
	require.NoError(t, err)
	return rec
}

func (f *fixture) markFinished(t *testing.T, nodeID string) {
	t.Helper()
	node, ok := f.tree.Node(nodeID)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(filepath.Join(node.Dir, backend.MarkerFinished), nil, 0o644))
}

func (f *fixture) markFailed(t *testing.T, nodeID string) {
	t.Helper()
	node, ok := f.tree.Node(nodeID)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(filepath.Join(node.Dir, backend.MarkerFailed), nil, 0o644))
}

func TestConfigureMaterializesDirectories(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{})
	for _, node := range f.tree.Nodes() {
		assert.FileExists(t, filepath.Join(node.Dir, scantree.ConfigFileName))
		assert.Equal(t, jobstore.StatusConfigured, f.status(t, node.ID).Status)
	}
}

func TestRunOnceSubmitsOnlyReadyGeneration(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{})
	ctx := context.Background()

	snap, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Counts[jobstore.StatusSubmitted])
	assert.Equal(t, 4, snap.Counts[jobstore.StatusConfigured])

	recA := f.status(t, "energy_A")
	assert.Equal(t, jobstore.StatusSubmitted, recA.Status)
	assert.Equal(t, 1, recA.Attempts)
	assert.NotEmpty(t, recA.Handle)
	assert.Equal(t, "local", recA.Backend)

	// Children wait for their parents.
	assert.Equal(t, 0, f.fake.submitCount("energy_A/seed_1"))
}

func TestMarkerCompletionPromotesChildren(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{})
	ctx := context.Background()

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)

	f.markFinished(t, "energy_A")
	f.markFinished(t, "energy_B")

	snap, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Counts[jobstore.StatusFinished])
	assert.Equal(t, 4, snap.Counts[jobstore.StatusSubmitted])
	assert.Equal(t, 1, f.fake.submitCount("energy_A/seed_1"))
}

func TestFailureMarkerBeatsOptimisticScheduler(t *testing.T) {
	// The long backoff keeps the failure observable instead of being
	// retried away within the same iteration.
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{MaxAttempts: 3, Backoff: time.Hour})
	ctx := context.Background()

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)

	// Scheduler thinks the job completed fine; the job tagged a failure.
	f.fake.setPoll("energy_A", backend.PollFinished)
	f.markFailed(t, "energy_A")

	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	rec := f.status(t, "energy_A")
	assert.Equal(t, jobstore.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "failure marker present")
}

func TestSchedulerFinishedWithoutMarkersFails(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{MaxAttempts: 3, Backoff: time.Hour})
	ctx := context.Background()

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)

	f.fake.setPoll("energy_A", backend.PollFinished)

	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	rec := f.status(t, "energy_A")
	assert.Equal(t, jobstore.StatusFailed, rec.Status)
	assert.Contains(t, rec.LastError, "completed without markers")
}

func TestPollTimeoutsLeaveRecordUnchanged(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{})
	ctx := context.Background()

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	submitted := f.status(t, "energy_A")

	f.fake.mu.Lock()
	f.fake.pollErrs["energy_A"] = []error{
		fmt.Errorf("%w: condor_q timed out", backend.ErrUnavailable),
		fmt.Errorf("%w: condor_q timed out", backend.ErrUnavailable),
	}
	f.fake.pollStates["energy_A"] = backend.PollRunning
	f.fake.mu.Unlock()

	// Two timed-out polls change nothing, not even the strike count.
	for range 2 {
		_, err = f.orch.RunOnce(ctx)
		require.NoError(t, err)
		rec := f.status(t, "energy_A")
		assert.Equal(t, jobstore.StatusSubmitted, rec.Status)
		assert.Equal(t, submitted.Strikes, rec.Strikes)
		assert.Equal(t, submitted.Attempts, rec.Attempts)
	}

	// The third poll gets through.
	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusRunning, f.status(t, "energy_A").Status)
}

func TestRestartDoesNotResubmit(t *testing.T) {
	root := t.TempDir()
	spec := twoGenSpec(root)
	tree, err := scantree.Expand(spec)
	require.NoError(t, err)

	fake := newFakeBackend()
	registry := backend.NewRegistry()
	registry.Register(fake)

	storePath := filepath.Join(root, "jobs.db")
	store, err := jobstore.OpenSQLite(storePath)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := New(tree, store, registry, Policy{})
	require.NoError(t, err)
	require.NoError(t, first.AttachRecords(ctx))
	require.NoError(t, first.ConfigureJobs(ctx))
	_, err = first.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fake.submitCount("energy_A"))
	require.NoError(t, store.Close())

	// A fresh process re-attaches to the same store and must not hand the
	// in-flight jobs over again.
	reopened, err := jobstore.OpenSQLite(storePath)
	require.NoError(t, err)
	defer reopened.Close()

	second, err := New(tree, reopened, registry, Policy{})
	require.NoError(t, err)
	require.NoError(t, second.AttachRecords(ctx))
	require.NoError(t, second.ConfigureJobs(ctx))
	_, err = second.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.submitCount("energy_A"))
	assert.Equal(t, 1, fake.submitCount("energy_B"))
}

func TestUnavailableSchedulerNeverDoubleSubmits(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{MaxStrikes: 10})
	ctx := context.Background()

	f.fake.mu.Lock()
	f.fake.submitErr["energy_A"] = fmt.Errorf("%w: handoff lost", backend.ErrUnavailable)
	f.fake.mu.Unlock()

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	rec := f.status(t, "energy_A")
	assert.Equal(t, jobstore.StatusSubmitted, rec.Status)
	assert.Empty(t, rec.Handle)
	assert.Equal(t, 1, rec.Attempts)

	// Two more iterations: the claim holds, the backend is not re-asked.
	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fake.submitCount("energy_A"))
	assert.Equal(t, jobstore.StatusSubmitted, f.status(t, "energy_A").Status)
}

func TestLostJobStrikesOutAndFails(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{MaxStrikes: 3, MaxAttempts: 1})
	ctx := context.Background()

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)

	// The scheduler has no memory of the job and no markers ever appear.
	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.status(t, "energy_A").Strikes)

	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.status(t, "energy_A").Strikes)

	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	rec := f.status(t, "energy_A")
	assert.Equal(t, jobstore.StatusAbandoned, rec.Status)
	assert.Contains(t, rec.LastError, "lost by scheduler")
}

func TestRejectedSubmissionRetriesThenAbandons(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{MaxAttempts: 2})
	ctx := context.Background()
	f.fake.rejectSubmit("energy_A")

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	rec := f.status(t, "energy_A")
	assert.Equal(t, jobstore.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)

	// Second attempt consumes the budget.
	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	rec = f.status(t, "energy_A")
	assert.Equal(t, jobstore.StatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	rec = f.status(t, "energy_A")
	assert.Equal(t, jobstore.StatusAbandoned, rec.Status)
	assert.Contains(t, rec.LastError, "gave up after 2 attempts")
	assert.Equal(t, 2, f.fake.submitCount("energy_A"))
}

func TestRetryClearsStaleFailureMarker(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{MaxAttempts: 3})
	ctx := context.Background()

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	f.markFailed(t, "energy_A")

	// The failure settles and the retry is claimed in the same iteration.
	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	rec := f.status(t, "energy_A")
	require.Equal(t, jobstore.StatusSubmitted, rec.Status)
	require.Equal(t, 2, rec.Attempts)

	// While the retry sits in the queue, the first attempt's marker must
	// not fail it all over again.
	f.fake.setPoll("energy_A", backend.PollRunning)
	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	rec = f.status(t, "energy_A")
	assert.Equal(t, jobstore.StatusRunning, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	node, ok := f.tree.Node("energy_A")
	require.True(t, ok)
	assert.NoFileExists(t, filepath.Join(node.Dir, backend.MarkerFailed))
}

func TestNewRejectsUnregisteredBackend(t *testing.T) {
	spec := twoGenSpec(t.TempDir())
	spec.Generations[1].Backend = "htcondor"
	tree, err := scantree.Expand(spec)
	require.NoError(t, err)

	registry := backend.NewRegistry()
	registry.Register(newFakeBackend())

	_, err = New(tree, jobstore.NewMemoryStore(), registry, Policy{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "htcondor")
}

func TestAbandonedLineageShieldsDescendants(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{MaxAttempts: 1})
	ctx := context.Background()
	f.fake.rejectSubmit("energy_A")

	// A fails, B finishes.
	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	f.markFinished(t, "energy_B")

	// A is abandoned, then its children are written off while B's children
	// are submitted.
	for range 3 {
		_, err = f.orch.RunOnce(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, jobstore.StatusAbandoned, f.status(t, "energy_A").Status)
	assert.Equal(t, jobstore.StatusAbandoned, f.status(t, "energy_A/seed_1").Status)
	assert.Equal(t, jobstore.StatusAbandoned, f.status(t, "energy_A/seed_2").Status)
	assert.Equal(t, 0, f.fake.submitCount("energy_A/seed_1"))
	assert.Equal(t, 1, f.fake.submitCount("energy_B/seed_1"))
	assert.Equal(t, 1, f.fake.submitCount("energy_B/seed_2"))
}

func TestOneGenerationAtATimeHoldsBackChildren(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{MaxAttempts: 2, OneGenerationAtATime: true})
	ctx := context.Background()
	f.fake.rejectSubmit("energy_A")

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	f.markFinished(t, "energy_B")

	// B finishes but A is still retriable: generation 1 is not settled, so
	// B's children must wait.
	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFinished, f.status(t, "energy_B").Status)
	assert.Equal(t, 0, f.fake.submitCount("energy_B/seed_1"))

	// A exhausts its budget and is abandoned; generation 1 settles.
	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusAbandoned, f.status(t, "energy_A").Status)
	assert.Equal(t, 0, f.fake.submitCount("energy_B/seed_1"))

	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.fake.submitCount("energy_B/seed_1"))
	assert.Equal(t, 1, f.fake.submitCount("energy_B/seed_2"))
}

func TestSnapshotStates(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{})
	ctx := context.Background()

	snap, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, snap.Done())
	assert.Equal(t, "in progress", snap.State())
	assert.Equal(t, 6, snap.Total)
}

func TestAttachRecordsIsResumable(t *testing.T) {
	f := newFixture(t, twoGenSpec(t.TempDir()), Policy{})
	ctx := context.Background()

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	before := f.status(t, "energy_A")

	// Re-attaching an already known tree must not reset anything.
	require.NoError(t, f.orch.AttachRecords(ctx))
	after := f.status(t, "energy_A")
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Attempts, after.Attempts)
}
