package orchestrator

import "time"

// Policy tunes the control loop.
type Policy struct {
	// MaxAttempts is the submission ceiling per job; a job that fails with
	// no attempts left is abandoned.
	MaxAttempts int
	// PollInterval separates control iterations in watch mode.
	PollInterval time.Duration
	// SubmitWorkers bounds concurrent submissions.
	SubmitWorkers int
	// Backoff delays a failed job's next attempt, doubling per attempt.
	// Zero retries immediately.
	Backoff time.Duration
	// MaxStrikes is how many consecutive inconclusive polls a submitted job
	// survives before it is declared failed.
	MaxStrikes int
	// OneGenerationAtATime holds submissions until the lowest unfinished
	// generation is fully settled.
	OneGenerationAtATime bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 30 * time.Second
	}
	if p.SubmitWorkers <= 0 {
		p.SubmitWorkers = 4
	}
	if p.MaxStrikes <= 0 {
		p.MaxStrikes = 3
	}
	return p
}

// retryDelay returns how long a job must wait after its n-th failed attempt.
func (p Policy) retryDelay(attempts int) time.Duration {
	if p.Backoff <= 0 || attempts <= 0 {
		return 0
	}
	delay := p.Backoff
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}
