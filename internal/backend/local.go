package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/vk/scanforge/internal/ctxlog"
)

// Local runs jobs as detached processes on the current machine. Handles are
// pids; after a restart the pid is probed directly, and the markers settle
// anything the probe cannot.
type Local struct {
	mu   sync.Mutex
	done map[int]error // pid -> wait result for processes we spawned
}

// NewLocal creates the local backend.
func NewLocal() *Local {
	return &Local{done: make(map[int]error)}
}

func (l *Local) Name() string { return "local" }

func (l *Local) WriteSubmission(_ context.Context, job Job) error {
	_, err := writeRunScript(job, "", job.Executable)
	return err
}

func (l *Local) Submit(ctx context.Context, job Job) (string, error) {
	script := RunScriptName
	cmd := exec.Command("/bin/bash", script)
	cmd.Dir = job.Dir
	// New session so the job survives the orchestrator exiting.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	pid := cmd.Process.Pid
	ctxlog.FromContext(ctx).Debug("Started local job.", "node", job.NodeID, "pid", pid)

	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		l.done[pid] = err
		l.mu.Unlock()
	}()
	return strconv.Itoa(pid), nil
}

func (l *Local) Poll(_ context.Context, _ Job, handle string) (PollState, error) {
	if handle == "" {
		return PollUnknown, nil
	}
	pid, err := strconv.Atoi(handle)
	if err != nil {
		return PollUnknown, nil
	}

	l.mu.Lock()
	waitErr, reaped := l.done[pid]
	l.mu.Unlock()
	if reaped {
		if waitErr != nil {
			return PollFailed, nil
		}
		return PollFinished, nil
	}

	// Not one of ours, or still running. Signal 0 probes liveness without
	// touching the process.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return PollUnknown, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err == nil {
		return PollRunning, nil
	}
	return PollUnknown, nil
}
