package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vk/scanforge/internal/ctxlog"
)

// condorSubmitName is the submission description file written next to run.sh.
const condorSubmitName = "job.sub"

var condorClusterRe = regexp.MustCompile(`cluster (\d+)`)

// HTCondor submits jobs to an HTCondor pool through the condor CLI tools.
// Handles are cluster ids.
type HTCondor struct {
	runner CommandRunner
}

// NewHTCondor creates the backend using the given command runner.
func NewHTCondor(runner CommandRunner) *HTCondor {
	return &HTCondor{runner: runner}
}

func (h *HTCondor) Name() string { return "htcondor" }

func (h *HTCondor) WriteSubmission(_ context.Context, job Job) error {
	if _, err := writeRunScript(job, "", job.Executable); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "executable = %s\n", RunScriptName)
	fmt.Fprintf(&b, "initialdir = %s\n", job.Dir)
	b.WriteString("output = job.out\n")
	b.WriteString("error = job.err\n")
	b.WriteString("log = job.log\n")
	if job.Resources.CPUs > 0 {
		fmt.Fprintf(&b, "request_cpus = %d\n", job.Resources.CPUs)
	}
	if job.Resources.GPUs > 0 {
		fmt.Fprintf(&b, "request_gpus = %d\n", job.Resources.GPUs)
	}
	if job.Resources.MemoryMB > 0 {
		fmt.Fprintf(&b, "request_memory = %d MB\n", job.Resources.MemoryMB)
	}
	if job.Resources.Flavor != "" {
		fmt.Fprintf(&b, "+JobFlavour = %q\n", job.Resources.Flavor)
	}
	b.WriteString("queue\n")

	path := filepath.Join(job.Dir, condorSubmitName)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("backend: write %s: %w", path, err)
	}
	return nil
}

func (h *HTCondor) Submit(ctx context.Context, job Job) (string, error) {
	out, err := h.runner.Run(ctx, "condor_submit", filepath.Join(job.Dir, condorSubmitName))
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}

	// condor_submit prints "1 job(s) submitted to cluster 1234.".
	match := condorClusterRe.FindStringSubmatch(out)
	if match == nil {
		return "", fmt.Errorf("%w: no cluster id in condor_submit output: %q", ErrRejected, strings.TrimSpace(out))
	}
	ctxlog.FromContext(ctx).Debug("Submitted condor job.", "node", job.NodeID, "cluster", match[1])
	return match[1], nil
}

func (h *HTCondor) Poll(ctx context.Context, _ Job, handle string) (PollState, error) {
	if handle == "" {
		return PollUnknown, nil
	}
	out, err := h.runner.Run(ctx, "condor_q", "-af", "JobStatus", handle)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return PollUnknown, err
		}
		return PollUnknown, nil
	}
	return condorJobStatus(out), nil
}

// condorJobStatus maps the numeric JobStatus classad to a poll state. An
// empty answer means the queue forgot the job.
func condorJobStatus(out string) PollState {
	switch strings.TrimSpace(out) {
	case "1", "2", "6", "7":
		// Idle, running, transferring output, suspended.
		return PollRunning
	case "4":
		return PollFinished
	case "3", "5":
		// Removed, held.
		return PollFailed
	default:
		return PollUnknown
	}
}
