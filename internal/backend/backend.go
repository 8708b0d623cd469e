// Package backend abstracts job submission targets: the local machine, an
// HTCondor pool, a Slurm cluster, or any of those wrapped in a container
// image. Backends submit jobs and report scheduler-visible state; the
// on-disk completion markers remain the ground truth and are checked by the
// orchestrator, not here.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/vk/scanforge/internal/scantree"
)

var (
	// ErrUnavailable means the scheduler could not be reached in time. The
	// submission outcome is unknown and the job must not be re-submitted
	// blindly.
	ErrUnavailable = errors.New("backend: scheduler unavailable")
	// ErrRejected means the scheduler definitively refused the job.
	ErrRejected = errors.New("backend: submission rejected")
)

// PollState is the scheduler's view of a submitted job.
type PollState int

const (
	// PollUnknown means the scheduler no longer knows the job. The caller
	// decides its fate from the completion markers.
	PollUnknown PollState = iota
	// PollRunning covers every alive state, queued included.
	PollRunning
	// PollFinished means the scheduler reports successful completion.
	PollFinished
	// PollFailed means the scheduler reports the job as dead.
	PollFailed
)

func (s PollState) String() string {
	switch s {
	case PollRunning:
		return "running"
	case PollFinished:
		return "finished"
	case PollFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job carries everything a backend needs to submit one node.
type Job struct {
	NodeID     string
	Dir        string
	Executable string
	Resources  scantree.Resources
	// StageIn maps role names to provider directories, linked into the job
	// directory before the executable runs.
	StageIn map[string]string
	// OutputMarkers are checked alongside the completion marker.
	OutputMarkers []string
}

// stageInRoles returns the stage-in roles in stable order.
func (j Job) stageInRoles() []string {
	roles := make([]string, 0, len(j.StageIn))
	for role := range j.StageIn {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Backend is a submission target.
type Backend interface {
	// Name returns the backend's registry name.
	Name() string

	// WriteSubmission materializes the run script and any scheduler files
	// into the job directory. It is idempotent.
	WriteSubmission(ctx context.Context, job Job) error

	// Submit hands the job to the scheduler and returns an opaque handle.
	// ErrUnavailable means the outcome was not observed; ErrRejected means
	// the scheduler refused the job.
	Submit(ctx context.Context, job Job) (string, error)

	// Poll reports the scheduler's view of a previously submitted job.
	// An empty handle yields PollUnknown.
	Poll(ctx context.Context, job Job, handle string) (PollState, error)
}

// Registry holds the configured backends by name.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its name, replacing any previous entry.
func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
}

// Lookup returns the backend registered under name.
func (r *Registry) Lookup(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend: no backend registered as %q", name)
	}
	return b, nil
}
