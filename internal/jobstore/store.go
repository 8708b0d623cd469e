package jobstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a node id.
	ErrNotFound = errors.New("jobstore: record not found")
	// ErrConflict is returned when a compare-and-swap loses the race: the
	// record's status no longer matches the expected one.
	ErrConflict = errors.New("jobstore: status conflict")
	// ErrBadTransition is returned when a requested status change is not in
	// the lifecycle table.
	ErrBadTransition = errors.New("jobstore: illegal status transition")
)

// Record is a job's persisted state.
type Record struct {
	NodeID     string
	Generation int
	Status     Status
	// Backend names the submission backend the job was or will be handed to.
	Backend string
	// Handle is the backend's identifier for the submitted job, e.g. an
	// HTCondor cluster id. Empty when the submission outcome is unknown.
	Handle string
	// Attempts counts submissions claimed for this job.
	Attempts int
	// Strikes counts consecutive polls that could not determine the job's
	// fate after the scheduler lost track of it.
	Strikes int
	// LastSeen is the time of the last status change or poll observation.
	LastSeen time.Time
	// LastError describes the most recent failure, empty otherwise.
	LastError string
}

// Store persists job records. Implementations must make Transition atomic
// with respect to concurrent callers.
type Store interface {
	// Put inserts a record, or leaves an existing record for the same node
	// untouched. It reports whether the record was inserted.
	Put(ctx context.Context, rec Record) (bool, error)

	// Get returns the record for a node id.
	Get(ctx context.Context, nodeID string) (Record, error)

	// List returns all records in node id order.
	List(ctx context.Context) ([]Record, error)

	// Transition atomically moves a record from one status to another,
	// applying mutate to the record before it is written back. It returns
	// ErrConflict if the record's status is not from at the time of the
	// swap, and ErrBadTransition if from -> to is not a legal change.
	// mutate may be nil and must not modify Status.
	Transition(ctx context.Context, nodeID string, from, to Status, mutate func(*Record)) (Record, error)

	// Close releases the store's resources.
	Close() error
}
