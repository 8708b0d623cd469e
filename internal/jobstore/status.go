// Package jobstore persists the per-job lifecycle state of a study. The
// store is the single source of truth the orchestrator consults between
// runs; every status change goes through a compare-and-swap so that two
// concurrent invocations cannot double-submit a job.
package jobstore

// Status is a job's position in the submission lifecycle.
type Status string

const (
	// StatusUnconfigured means the node exists in the expanded tree but its
	// working directory has not been materialized yet.
	StatusUnconfigured Status = "unconfigured"
	// StatusConfigured means the working directory is materialized and the
	// job is eligible for submission once its dependencies finish.
	StatusConfigured Status = "configured"
	// StatusSubmitted means the job was handed to a backend. The scheduler
	// handle may be empty if the submission outcome was never observed.
	StatusSubmitted Status = "submitted"
	// StatusRunning means the backend reported the job as executing.
	StatusRunning Status = "running"
	// StatusFinished means the job's completion markers were verified.
	StatusFinished Status = "finished"
	// StatusFailed means the job failed and may still be retried.
	StatusFailed Status = "failed"
	// StatusAbandoned means the job is permanently given up on, either
	// because it exhausted its attempts or because its lineage is dead.
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAbandoned
}

// transitions lists the allowed status changes. Identity transitions are
// always allowed so field updates can ride the same compare-and-swap.
var transitions = map[Status][]Status{
	StatusUnconfigured: {StatusConfigured, StatusAbandoned},
	StatusConfigured:   {StatusSubmitted, StatusAbandoned},
	StatusSubmitted:    {StatusRunning, StatusFinished, StatusFailed},
	StatusRunning:      {StatusFinished, StatusFailed},
	StatusFailed:       {StatusConfigured, StatusAbandoned},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
