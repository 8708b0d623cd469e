package orchestrator

import (
	"time"

	"github.com/vk/scanforge/internal/jobstore"
)

// Snapshot is the study's aggregate state at one point in time.
type Snapshot struct {
	Taken time.Time
	Total int
	// Counts is the number of jobs per status.
	Counts map[jobstore.Status]int
	// Generations breaks the counts down per generation index.
	Generations map[int]map[jobstore.Status]int
}

func takeSnapshot(taken time.Time, records []jobstore.Record) Snapshot {
	snap := Snapshot{
		Taken:       taken,
		Total:       len(records),
		Counts:      make(map[jobstore.Status]int),
		Generations: make(map[int]map[jobstore.Status]int),
	}
	for _, rec := range records {
		snap.Counts[rec.Status]++
		gen := snap.Generations[rec.Generation]
		if gen == nil {
			gen = make(map[jobstore.Status]int)
			snap.Generations[rec.Generation] = gen
		}
		gen[rec.Status]++
	}
	return snap
}

// Done reports whether every job is terminal.
func (s Snapshot) Done() bool {
	if s.Total == 0 {
		return true
	}
	return s.Counts[jobstore.StatusFinished]+s.Counts[jobstore.StatusAbandoned] == s.Total
}

// State summarizes the study in one word or two.
func (s Snapshot) State() string {
	if !s.Done() {
		return "in progress"
	}
	if s.Counts[jobstore.StatusAbandoned] > 0 {
		return "finished with issues"
	}
	return "finished"
}

// LogArgs returns the counts as slog key-value pairs.
func (s Snapshot) LogArgs() []any {
	return []any{
		"total", s.Total,
		"finished", s.Counts[jobstore.StatusFinished],
		"running", s.Counts[jobstore.StatusRunning],
		"submitted", s.Counts[jobstore.StatusSubmitted],
		"failed", s.Counts[jobstore.StatusFailed],
		"abandoned", s.Counts[jobstore.StatusAbandoned],
	}
}
