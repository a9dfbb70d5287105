// Package queue holds dispatch entries: notices that a job should be looked
// at by a worker no earlier than some instant.
//
// Entries are not the source of truth for anything. A job with no entry can
// always be re-derived from its record; an entry pointing at a finished job is
// acknowledged and dropped by the worker.
//
// Ordering is by visibleAt ascending, ties broken by insertion order.
// Nothing is guaranteed across distinct visibleAt instants beyond that.
package queue

import (
	"context"
	"time"

	"github.com/teranos/metronome/errors"
)

var (
	// ErrEmpty means no entry is visible yet
	ErrEmpty = errors.New("queue empty")

	// ErrNotClaimed means the entry exists but is not held by the caller,
	// usually because its lease expired and another worker took it
	ErrNotClaimed = errors.New("entry not claimed by worker")
)

// Entry is one dispatch notice.
type Entry struct {
	ID             string        `json:"id"`
	JobID          string        `json:"job_id"`
	VisibleAt      time.Time     `json:"visible_at"`
	RepeatInterval time.Duration `json:"repeat_interval,omitempty"`
	ClaimedBy      string        `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time    `json:"claimed_at,omitempty"`
	LeaseUntil     *time.Time    `json:"lease_until,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Stats summarises queue contents at a point in time.
type Stats struct {
	Ready   int `json:"ready"`   // visible and unclaimed
	Delayed int `json:"delayed"` // unclaimed, visibleAt in the future
	Claimed int `json:"claimed"`
	Total   int `json:"total"`
}

// Queue is implemented by each storage backend.
//
// ClaimNext is atomic across all workers sharing the backend: one entry is
// handed to at most one claimant until it is acked, released, rescheduled,
// or its lease expires. Every other method that takes workerID fails with
// ErrNotClaimed when that worker no longer holds the entry.
type Queue interface {
	// Enqueue inserts an entry and returns its ID
	Enqueue(ctx context.Context, jobID string, visibleAt time.Time, repeat time.Duration) (string, error)

	// ClaimNext takes the earliest visible entry, or returns ErrEmpty
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Entry, error)

	// Ack removes a claimed entry, its work being done
	Ack(ctx context.Context, entryID, workerID string) error

	// Release returns a claimed entry to the queue, visible again at visibleAt
	Release(ctx context.Context, entryID, workerID string, visibleAt time.Time) error

	// Reschedule atomically acks a claimed entry and enqueues its successor
	// for the same job, returning the new entry ID
	Reschedule(ctx context.Context, entryID, workerID string, visibleAt time.Time) (string, error)

	// Extend pushes a held lease to now+lease
	Extend(ctx context.Context, entryID, workerID string, lease time.Duration) error

	// ReleaseExpired makes every entry whose lease has lapsed claimable again
	ReleaseExpired(ctx context.Context) (int, error)

	// HasEntry reports whether any entry, claimed or not, exists for jobID
	HasEntry(ctx context.Context, jobID string) (bool, error)

	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Option configures a backend
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now for visibility and lease decisions
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func notClaimed(entryID, workerID string) error {
	return errors.Wrapf(ErrNotClaimed, "entry %s is not held by %s", entryID, workerID)
}

func entryNotFound(entryID string) error {
	return errors.NewNotFoundError("queue entry %s", entryID)
}
