package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/scanforge/internal/scantree"
)

// fakeRunner replays canned responses keyed by command name.
type fakeRunner struct {
	out   map[string]string
	errs  map[string]error
	calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if err, ok := f.errs[name]; ok {
		return "", err
	}
	return f.out[name], nil
}

func testJob(t *testing.T) Job {
	t.Helper()
	return Job{
		NodeID:        "energy_450/seed_1",
		Dir:           t.TempDir(),
		Executable:    "python track.py config.yaml",
		Resources:     scantree.Resources{CPUs: 4, MemoryMB: 8192, Flavor: "tomorrow"},
		StageIn:       map[string]string{"optics": "/tmp/scan/energy_450"},
		OutputMarkers: []string{"result.parquet"},
	}
}

func TestRunScriptContent(t *testing.T) {
	job := testJob(t)
	require.NoError(t, NewLocal().WriteSubmission(context.Background(), job))

	raw, err := os.ReadFile(filepath.Join(job.Dir, RunScriptName))
	require.NoError(t, err)
	script := string(raw)

	assert.Contains(t, script, "#!/bin/bash")
	assert.Contains(t, script, fmt.Sprintf("cd %q", job.Dir))
	assert.Contains(t, script, `ln -sfn "/tmp/scan/energy_450" "optics"`)
	assert.Contains(t, script, "rm -f .finished .failed")
	assert.Contains(t, script, "python track.py config.yaml")
	assert.Contains(t, script, "touch .finished")
	assert.Contains(t, script, "touch .failed")

	info, err := os.Stat(filepath.Join(job.Dir, RunScriptName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestCheckMarkers(t *testing.T) {
	job := testJob(t)

	state, err := CheckMarkers(job)
	require.NoError(t, err)
	assert.Equal(t, PollUnknown, state)

	// Completion marker alone is not enough while outputs are missing.
	require.NoError(t, os.WriteFile(filepath.Join(job.Dir, MarkerFinished), nil, 0o644))
	state, err = CheckMarkers(job)
	require.NoError(t, err)
	assert.Equal(t, PollUnknown, state)

	require.NoError(t, os.WriteFile(filepath.Join(job.Dir, "result.parquet"), nil, 0o644))
	state, err = CheckMarkers(job)
	require.NoError(t, err)
	assert.Equal(t, PollFinished, state)

	// A failure marker wins even next to a stale completion marker.
	require.NoError(t, os.WriteFile(filepath.Join(job.Dir, MarkerFailed), nil, 0o644))
	state, err = CheckMarkers(job)
	require.NoError(t, err)
	assert.Equal(t, PollFailed, state)
}

func TestClearMarkersRemovesStaleOutcome(t *testing.T) {
	job := testJob(t)
	require.NoError(t, os.WriteFile(filepath.Join(job.Dir, MarkerFinished), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(job.Dir, MarkerFailed), nil, 0o644))

	require.NoError(t, ClearMarkers(job))
	state, err := CheckMarkers(job)
	require.NoError(t, err)
	assert.Equal(t, PollUnknown, state)

	// A directory with no markers clears cleanly too.
	require.NoError(t, ClearMarkers(job))
}

func TestHTCondorSubmit(t *testing.T) {
	job := testJob(t)
	runner := &fakeRunner{out: map[string]string{
		"condor_submit": "Submitting job(s).\n1 job(s) submitted to cluster 4242.\n",
	}}
	condor := NewHTCondor(runner)
	require.NoError(t, condor.WriteSubmission(context.Background(), job))

	handle, err := condor.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "4242", handle)

	sub, err := os.ReadFile(filepath.Join(job.Dir, condorSubmitName))
	require.NoError(t, err)
	assert.Contains(t, string(sub), "executable = run.sh")
	assert.Contains(t, string(sub), "request_cpus = 4")
	assert.Contains(t, string(sub), "request_memory = 8192 MB")
	assert.Contains(t, string(sub), `+JobFlavour = "tomorrow"`)
}

func TestHTCondorSubmitRejected(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"condor_submit": fmt.Errorf("condor_submit exited 1: bad submit file"),
	}}
	_, err := NewHTCondor(runner).Submit(context.Background(), testJob(t))
	assert.ErrorIs(t, err, ErrRejected)
}

func TestHTCondorSubmitUnavailable(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{
		"condor_submit": fmt.Errorf("%w: condor_submit timed out", ErrUnavailable),
	}}
	_, err := NewHTCondor(runner).Submit(context.Background(), testJob(t))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestHTCondorPollStates(t *testing.T) {
	cases := map[string]PollState{
		"1": PollRunning,
		"2": PollRunning,
		"4": PollFinished,
		"3": PollFailed,
		"5": PollFailed,
		"":  PollUnknown,
	}
	for out, want := range cases {
		runner := &fakeRunner{out: map[string]string{"condor_q": out + "\n"}}
		state, err := NewHTCondor(runner).Poll(context.Background(), testJob(t), "4242")
		require.NoError(t, err)
		assert.Equal(t, want, state, "JobStatus %q", out)
	}
}

func TestHTCondorPollEmptyHandle(t *testing.T) {
	runner := &fakeRunner{}
	state, err := NewHTCondor(runner).Poll(context.Background(), testJob(t), "")
	require.NoError(t, err)
	assert.Equal(t, PollUnknown, state)
	assert.Empty(t, runner.calls)
}

func TestSlurmSubmit(t *testing.T) {
	job := testJob(t)
	runner := &fakeRunner{out: map[string]string{
		"sbatch": "Submitted batch job 991\n",
	}}
	slurm := NewSlurm(runner)
	require.NoError(t, slurm.WriteSubmission(context.Background(), job))

	handle, err := slurm.Submit(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "991", handle)

	script, err := os.ReadFile(filepath.Join(job.Dir, RunScriptName))
	require.NoError(t, err)
	assert.Contains(t, string(script), "#SBATCH --cpus-per-task=4")
	assert.Contains(t, string(script), "#SBATCH --mem=8192M")
	assert.Contains(t, string(script), "#SBATCH --partition=tomorrow")
}

func TestSlurmPollStates(t *testing.T) {
	cases := map[string]PollState{
		"PENDING":   PollRunning,
		"RUNNING":   PollRunning,
		"COMPLETED": PollFinished,
		"FAILED":    PollFailed,
		"TIMEOUT":   PollFailed,
		"":          PollUnknown,
	}
	for out, want := range cases {
		runner := &fakeRunner{out: map[string]string{"squeue": out + "\n"}}
		state, err := NewSlurm(runner).Poll(context.Background(), testJob(t), "991")
		require.NoError(t, err)
		assert.Equal(t, want, state, "state %q", out)
	}
}

func TestContainerWrapsExecutable(t *testing.T) {
	job := testJob(t)
	container := NewContainer("/cvmfs/images/tracker.sif", NewLocal())
	require.NoError(t, container.WriteSubmission(context.Background(), job))

	script, err := os.ReadFile(filepath.Join(job.Dir, RunScriptName))
	require.NoError(t, err)
	assert.Contains(t, string(script), `singularity exec --bind`)
	assert.Contains(t, string(script), "/cvmfs/images/tracker.sif")
	assert.Contains(t, string(script), "python track.py config.yaml")
}

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewLocal())

	b, err := registry.Lookup("local")
	require.NoError(t, err)
	assert.Equal(t, "local", b.Name())

	_, err = registry.Lookup("htcondor")
	assert.Error(t, err)
}

func TestLocalRoundTrip(t *testing.T) {
	job := testJob(t)
	job.Executable = "true"
	job.OutputMarkers = nil
	job.StageIn = nil

	local := NewLocal()
	ctx := context.Background()
	require.NoError(t, local.WriteSubmission(ctx, job))

	handle, err := local.Submit(ctx, job)
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	// The job is trivial; wait for the completion marker to appear.
	state := PollUnknown
	for range 100 {
		state, err = CheckMarkers(job)
		require.NoError(t, err)
		if state == PollFinished {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, PollFinished, state)

	// The wait goroutine records the exit shortly after the marker lands.
	pollState := PollUnknown
	for range 100 {
		pollState, err = local.Poll(ctx, job, handle)
		require.NoError(t, err)
		if pollState == PollFinished {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.Equal(t, PollFinished, pollState)
}
