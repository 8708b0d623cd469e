package backend

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// RunScriptName is the wrapper script every backend executes.
	RunScriptName = "run.sh"
	// MarkerFinished is touched when the executable exits zero.
	MarkerFinished = ".finished"
	// MarkerFailed is touched when the executable exits non-zero.
	MarkerFailed = ".failed"
)

// writeRunScript lays the wrapper script into the job directory. The script
// stages required inputs in, clears stale markers, runs the executable and
// tags the outcome, so completion is readable from disk no matter what the
// scheduler later remembers.
// prologue, if non-empty, is placed directly under the shebang; Slurm needs
// its directives there.
func writeRunScript(job Job, prologue, executable string) (string, error) {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	if prologue != "" {
		b.WriteString(prologue)
	}
	b.WriteString("set -u\n")
	fmt.Fprintf(&b, "cd %q\n", job.Dir)
	for _, role := range job.stageInRoles() {
		fmt.Fprintf(&b, "ln -sfn %q %q\n", job.StageIn[role], role)
	}
	fmt.Fprintf(&b, "rm -f %s %s\n", MarkerFinished, MarkerFailed)
	b.WriteString(executable + "\n")
	b.WriteString("if [ $? -eq 0 ]; then\n")
	fmt.Fprintf(&b, "    touch %s\n", MarkerFinished)
	b.WriteString("else\n")
	fmt.Fprintf(&b, "    touch %s\n", MarkerFailed)
	b.WriteString("fi\n")

	path := filepath.Join(job.Dir, RunScriptName)
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil {
		return "", fmt.Errorf("backend: write %s: %w", path, err)
	}
	return path, nil
}

// CheckMarkers reads the job's on-disk outcome. A failure marker wins over
// everything; a completion marker counts only when every declared output
// marker exists too. Anything else is unknown.
func CheckMarkers(job Job) (PollState, error) {
	failed, err := fileExists(filepath.Join(job.Dir, MarkerFailed))
	if err != nil {
		return PollUnknown, err
	}
	if failed {
		return PollFailed, nil
	}
	finished, err := fileExists(filepath.Join(job.Dir, MarkerFinished))
	if err != nil {
		return PollUnknown, err
	}
	if !finished {
		return PollUnknown, nil
	}
	for _, marker := range job.OutputMarkers {
		ok, err := fileExists(filepath.Join(job.Dir, marker))
		if err != nil {
			return PollUnknown, err
		}
		if !ok {
			return PollUnknown, nil
		}
	}
	return PollFinished, nil
}

// ClearMarkers removes the completion markers left by a previous attempt.
// Must happen before the job is handed to a scheduler: the run script clears
// them too, but on a queued backend that runs long after submission, and a
// stale failure marker would settle the new attempt as failed in between.
func ClearMarkers(job Job) error {
	for _, marker := range []string{MarkerFinished, MarkerFailed} {
		if err := os.Remove(filepath.Join(job.Dir, marker)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("backend: clear marker %s: %w", marker, err)
		}
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
