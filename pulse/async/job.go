// Package async provides durable job records and the workers that run them.
package async

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/pulse/schedule"
	id "github.com/teranos/vanity-id"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Kind is re-exported so callers rarely need the schedule package directly.
type Kind = schedule.Kind

const (
	KindScheduled = schedule.KindScheduled
	KindRetry     = schedule.KindRetry
)

// MaxPayloadBytes caps the encoded payload size accepted at submission.
const MaxPayloadBytes = 1 << 20

// jobActor is recorded in generated job IDs.
const jobActor = "metronome"

// Spec is what a caller submits. Exactly one of ScheduledAt and
// IntervalMinutes must be set, matching Kind.
type Spec struct {
	Action          string          `json:"action" toml:"action"`
	Payload         json.RawMessage `json:"payload,omitempty" toml:"-"`
	Kind            Kind            `json:"kind" toml:"kind"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty" toml:"scheduled_at"`
	IntervalMinutes *int            `json:"interval_minutes,omitempty" toml:"interval_minutes"`
}

// Validate rejects a spec before anything is persisted.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Action) == "" {
		return errors.NewValidationError("action is required")
	}
	if !s.Kind.Valid() {
		return errors.NewValidationError("unknown kind %q (want %q or %q)", s.Kind, KindScheduled, KindRetry)
	}

	switch s.Kind {
	case KindScheduled:
		if s.ScheduledAt == nil || s.ScheduledAt.IsZero() {
			return errors.NewValidationError("scheduled job requires scheduled_at")
		}
		if s.IntervalMinutes != nil {
			return errors.NewValidationError("scheduled job must not set interval_minutes")
		}
	case KindRetry:
		if s.IntervalMinutes == nil {
			return errors.NewValidationError("retry job requires interval_minutes")
		}
		if s.ScheduledAt != nil {
			return errors.NewValidationError("retry job must not set scheduled_at")
		}
		if *s.IntervalMinutes <= 0 {
			return errors.NewValidationError("interval_minutes must be positive, got %d", *s.IntervalMinutes)
		}
		if *s.IntervalMinutes > schedule.MaxIntervalMinutes {
			return errors.NewValidationError("interval_minutes must be at most %d, got %d",
				schedule.MaxIntervalMinutes, *s.IntervalMinutes)
		}
	}

	if len(s.Payload) > MaxPayloadBytes {
		return errors.NewValidationError("payload is %d bytes, limit is %d", len(s.Payload), MaxPayloadBytes)
	}
	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		return errors.NewValidationError("payload is not valid JSON")
	}

	return nil
}

// Job is the durable record of one unit of scheduled work.
//
// The record is the source of truth for lifecycle state. Queue entries only
// say when a worker should look at it next.
type Job struct {
	ID              string          `json:"id"`
	Action          string          `json:"action"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Kind            Kind            `json:"kind"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	IntervalMinutes *int            `json:"interval_minutes,omitempty"`
	Status          JobStatus       `json:"status"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	Error           string          `json:"error,omitempty"` // Most recent failure, kept after later successes
	ClaimedBy       string          `json:"claimed_by,omitempty"`
	ClaimEntryID    string          `json:"claim_entry_id,omitempty"`
	LeaseUntil      *time.Time      `json:"lease_until,omitempty"`
	RunCount        int             `json:"run_count"`
	FailureCount    int             `json:"failure_count"`
	DisabledAt      *time.Time      `json:"disabled_at,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewJob builds a pending job from a validated spec.
func NewJob(spec Spec, now time.Time) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	payload := spec.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	jobID, err := id.GenerateJobASID(spec.Action, string(spec.Kind), jobActor)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate job ID")
	}

	now = now.UTC()
	job := &Job{
		ID:        jobID,
		Action:    spec.Action,
		Payload:   payload,
		Kind:      spec.Kind,
		Status:    JobStatusPending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if spec.ScheduledAt != nil {
		at := spec.ScheduledAt.UTC()
		job.ScheduledAt = &at
	}
	if spec.IntervalMinutes != nil {
		m := *spec.IntervalMinutes
		job.IntervalMinutes = &m
	}

	first := schedule.InitialVisibleAt(job.Plan(), now)
	job.NextRunAt = &first

	return job, nil
}

// Plan extracts the timing fields for the schedule calculator.
func (j *Job) Plan() schedule.Plan {
	p := schedule.Plan{Kind: j.Kind}
	if j.ScheduledAt != nil {
		p.ScheduledAt = *j.ScheduledAt
	}
	if j.IntervalMinutes != nil {
		p.Interval = schedule.Interval(*j.IntervalMinutes)
	}
	return p
}

// IsDisabled reports whether the job has been switched off.
func (j *Job) IsDisabled() bool {
	return j.DisabledAt != nil
}

// IsTerminal reports whether the job will never run again on its own.
// Retry jobs are never terminal: failed is a resting state between runs.
func (j *Job) IsTerminal() bool {
	if j.IsDisabled() {
		return true
	}
	return j.Kind == KindScheduled && (j.Status == JobStatusCompleted || j.Status == JobStatusFailed)
}

// LeaseLive reports whether a running claim still holds the job at now.
func (j *Job) LeaseLive(now time.Time) bool {
	return j.Status == JobStatusRunning && j.LeaseUntil != nil && now.Before(*j.LeaseUntil)
}

// CanTransition reports whether a job of the given kind may move from one
// status to another. running -> running is handled separately as a claim
// takeover once the previous lease has expired.
func CanTransition(kind Kind, from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning
	case JobStatusRunning:
		switch to {
		case JobStatusCompleted:
			return kind == KindScheduled
		case JobStatusFailed:
			return true
		case JobStatusPending:
			return kind == KindRetry
		}
	case JobStatusFailed:
		return to == JobStatusRunning && kind == KindRetry
	}
	return false
}
