package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/vk/scanforge/internal/ctxlog"
)

var sbatchJobRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// Slurm submits jobs through sbatch and polls them through squeue. Handles
// are Slurm job ids.
type Slurm struct {
	runner CommandRunner
}

// NewSlurm creates the backend using the given command runner.
func NewSlurm(runner CommandRunner) *Slurm {
	return &Slurm{runner: runner}
}

func (s *Slurm) Name() string { return "slurm" }

func (s *Slurm) WriteSubmission(_ context.Context, job Job) error {
	var directives strings.Builder
	if job.Resources.CPUs > 0 {
		fmt.Fprintf(&directives, "#SBATCH --cpus-per-task=%d\n", job.Resources.CPUs)
	}
	if job.Resources.GPUs > 0 {
		fmt.Fprintf(&directives, "#SBATCH --gres=gpu:%d\n", job.Resources.GPUs)
	}
	if job.Resources.MemoryMB > 0 {
		fmt.Fprintf(&directives, "#SBATCH --mem=%dM\n", job.Resources.MemoryMB)
	}
	if job.Resources.Flavor != "" {
		fmt.Fprintf(&directives, "#SBATCH --partition=%s\n", job.Resources.Flavor)
	}
	_, err := writeRunScript(job, directives.String(), job.Executable)
	return err
}

func (s *Slurm) Submit(ctx context.Context, job Job) (string, error) {
	out, err := s.runner.Run(ctx, "sbatch", "--chdir", job.Dir, RunScriptName)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}

	match := sbatchJobRe.FindStringSubmatch(out)
	if match == nil {
		return "", fmt.Errorf("%w: no job id in sbatch output: %q", ErrRejected, strings.TrimSpace(out))
	}
	ctxlog.FromContext(ctx).Debug("Submitted slurm job.", "node", job.NodeID, "job_id", match[1])
	return match[1], nil
}

func (s *Slurm) Poll(ctx context.Context, _ Job, handle string) (PollState, error) {
	if handle == "" {
		return PollUnknown, nil
	}
	out, err := s.runner.Run(ctx, "squeue", "-h", "-j", handle, "-o", "%T")
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return PollUnknown, err
		}
		// squeue exits non-zero for unknown job ids once they age out.
		return PollUnknown, nil
	}
	return slurmJobState(out), nil
}

// slurmJobState maps a squeue state name to a poll state. squeue drops
// completed jobs quickly, so an empty answer is unknown rather than failed.
func slurmJobState(out string) PollState {
	switch strings.TrimSpace(out) {
	case "PENDING", "CONFIGURING", "RUNNING", "COMPLETING", "SUSPENDED", "REQUEUED":
		return PollRunning
	case "COMPLETED":
		return PollFinished
	case "FAILED", "CANCELLED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "PREEMPTED", "BOOT_FAIL", "DEADLINE":
		return PollFailed
	default:
		return PollUnknown
	}
}
