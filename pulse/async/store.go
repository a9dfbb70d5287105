package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teranos/metronome/errors"
)

// DefaultMaxLogsPerJob is how many log entries a job keeps before the
// oldest are pruned.
const DefaultMaxLogsPerJob = 500

// DefaultListLimit and MaxListLimit bound List page sizes.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// maxConflictRetries bounds how often a mutation is retried after losing an
// optimistic version check.
const maxConflictRetries = 3

// errNoChange lets a mutation report that nothing needs writing.
var errNoChange = errors.New("no change")

// Store persists job records and their logs. Every status change and the
// log entries describing it are written in one transaction.
type Store struct {
	db      *sql.DB
	now     func() time.Time
	maxLogs atomic.Int64
	feed    *Feed
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithStoreClock replaces time.Now for every timestamp the store writes
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithMaxLogsPerJob sets the per-job log retention cap. Zero keeps everything.
func WithMaxLogsPerJob(n int) StoreOption {
	return func(s *Store) { s.maxLogs.Store(int64(n)) }
}

// WithFeed publishes every committed job change to f
func WithFeed(f *Feed) StoreOption {
	return func(s *Store) { s.feed = f }
}

// NewStore creates a job store over a migrated database
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, now: time.Now}
	s.maxLogs.Store(DefaultMaxLogsPerJob)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetMaxLogsPerJob changes the retention cap for subsequent writes
func (s *Store) SetMaxLogsPerJob(n int) {
	if n < 0 {
		n = 0
	}
	s.maxLogs.Store(int64(n))
}

// MaxLogsPerJob returns the current retention cap
func (s *Store) MaxLogsPerJob() int {
	return int(s.maxLogs.Load())
}

// Feed returns the feed the store publishes to, or nil
func (s *Store) Feed() *Feed {
	return s.feed
}

// Update carries the fields a transition may change alongside status.
type Update struct {
	LastRunAt *time.Time
	NextRunAt *time.Time
	Error     *string

	// ClaimEntryID, when set, requires the job to still be held by that
	// queue entry. A mismatch means another worker took the claim over.
	ClaimEntryID string
}

// Claim identifies the worker and queue entry starting a run.
type Claim struct {
	WorkerID   string
	EntryID    string
	LeaseUntil time.Time
}

// ListFilter narrows List. Zero values mean no filter.
type ListFilter struct {
	Status JobStatus
	Kind   Kind
	Limit  int
}

// Create validates spec and inserts a pending job together with logs.
func (s *Store) Create(ctx context.Context, spec Spec, logs ...LogEntry) (*Job, error) {
	job, err := NewJob(spec, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.Insert(ctx, job, logs...); err != nil {
		return nil, err
	}
	return job, nil
}

// Insert persists a job built by NewJob, with its first log entries in the
// same transaction.
func (s *Store) Insert(ctx context.Context, job *Job, logs ...LogEntry) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
		return s.appendLogsTx(ctx, tx, job.ID, logs, job.CreatedAt)
	})
	if err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Action: %s", job.Action))
	}

	s.feed.Publish(job)
	return nil
}

// Get retrieves a job by ID
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

// List returns jobs newest first
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	var where []string
	var args []interface{}

	if f.Status != "" {
		if !IsValidStatus(string(f.Status)) {
			return nil, errors.NewValidationError("unknown status %q", f.Status)
		}
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		if !f.Kind.Valid() {
			return nil, errors.NewValidationError("unknown kind %q", f.Kind)
		}
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListRecoverable returns every job that should currently have a queue
// entry: all enabled retry jobs, plus pending or running scheduled jobs.
func (s *Store) ListRecoverable(ctx context.Context, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + `
		FROM jobs
		WHERE disabled_at IS NULL
		  AND (kind = 'retry' OR status IN ('pending', 'running'))
		ORDER BY created_at ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recoverable jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "recoverable jobs")
}

// CountByStatus returns job counts keyed by status. Every status is present.
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	counts := map[JobStatus]int{
		JobStatusPending:   0,
		JobStatusRunning:   0,
		JobStatusCompleted: 0,
		JobStatusFailed:    0,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}

	return counts, nil
}

// UpdateStatus moves a job to a new status without writing log entries.
func (s *Store) UpdateStatus(ctx context.Context, id string, to JobStatus, upd Update) (*Job, error) {
	return s.Transition(ctx, id, to, upd)
}

// Transition moves a job to a new status and appends logs in the same
// transaction. Leaving running releases the claim and counts the run.
func (s *Store) Transition(ctx context.Context, id string, to JobStatus, upd Update, logs ...LogEntry) (*Job, error) {
	job, err := s.mutate(ctx, id, func(job *Job, now time.Time) ([]LogEntry, error) {
		if upd.ClaimEntryID != "" && job.ClaimEntryID != upd.ClaimEntryID {
			err := errors.Wrapf(errors.ErrClaimConflict, "job %s is held by entry %q", job.ID, job.ClaimEntryID)
			return nil, errors.WithDetail(err, fmt.Sprintf("Expected entry: %s", upd.ClaimEntryID))
		}
		if !CanTransition(job.Kind, job.Status, to) {
			err := errors.NewInvalidTransitionError(string(job.Status), string(to))
			return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s (%s)", job.ID, job.Kind))
		}

		from := job.Status
		job.Status = to
		if upd.LastRunAt != nil {
			job.LastRunAt = utcPtr(*upd.LastRunAt)
		}
		if upd.NextRunAt != nil {
			job.NextRunAt = utcPtr(*upd.NextRunAt)
		}
		if upd.Error != nil {
			job.Error = *upd.Error
		}
		if from == JobStatusRunning {
			job.ClaimedBy = ""
			job.ClaimEntryID = ""
			job.LeaseUntil = nil
			job.RunCount++
			if to == JobStatusFailed {
				job.FailureCount++
			}
		}
		return logs, nil
	})
	if err != nil {
		return nil, err
	}

	s.feed.Publish(job)
	return job, nil
}

// Claim starts a run: the job becomes running under the given worker and
// queue entry. A running job can only be claimed once its lease has
// expired; a live lease yields ErrClaimConflict.
func (s *Store) Claim(ctx context.Context, id string, c Claim, logs ...LogEntry) (*Job, error) {
	job, err := s.mutate(ctx, id, func(job *Job, now time.Time) ([]LogEntry, error) {
		if job.IsDisabled() {
			err := errors.Wrapf(errors.ErrInvalidTransition, "job %s is disabled", job.ID)
			return nil, errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
		}

		if job.Status == JobStatusRunning {
			if job.LeaseLive(now) {
				err := errors.Wrapf(errors.ErrClaimConflict, "job %s is running under entry %q", job.ID, job.ClaimEntryID)
				err = errors.WithDetail(err, fmt.Sprintf("Held by: %s until %s", job.ClaimedBy, job.LeaseUntil.Format(time.RFC3339Nano)))
				return nil, err
			}
			takeover := NewLogEntry(LevelWarn, "lease expired, claim taken over", map[string]interface{}{
				"previous_worker": job.ClaimedBy,
				"previous_entry":  job.ClaimEntryID,
			})
			logs = append([]LogEntry{takeover}, logs...)
		} else if !CanTransition(job.Kind, job.Status, JobStatusRunning) {
			err := errors.NewInvalidTransitionError(string(job.Status), string(JobStatusRunning))
			return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s (%s)", job.ID, job.Kind))
		}

		job.Status = JobStatusRunning
		job.ClaimedBy = c.WorkerID
		job.ClaimEntryID = c.EntryID
		job.LeaseUntil = utcPtr(c.LeaseUntil)
		return logs, nil
	})
	if err != nil {
		return nil, err
	}

	s.feed.Publish(job)
	return job, nil
}

// ExtendLease pushes the lease of a running job forward. It fails with
// ErrClaimConflict if entryID no longer holds the job.
func (s *Store) ExtendLease(ctx context.Context, id, entryID string, until time.Time) error {
	_, err := s.mutate(ctx, id, func(job *Job, now time.Time) ([]LogEntry, error) {
		if job.Status != JobStatusRunning || job.ClaimEntryID != entryID {
			return nil, errors.Wrapf(errors.ErrClaimConflict, "job %s is no longer held by entry %q", job.ID, entryID)
		}
		job.LeaseUntil = utcPtr(until)
		return nil, nil
	})
	return err
}

// Disable stops a job from running again. A run already in progress
// finishes; its result is recorded but nothing further is dispatched.
// Disabling twice is a no-op.
func (s *Store) Disable(ctx context.Context, id string) (*Job, error) {
	job, err := s.mutate(ctx, id, func(job *Job, now time.Time) ([]LogEntry, error) {
		if job.IsDisabled() {
			return nil, errNoChange
		}
		job.DisabledAt = utcPtr(now)
		return []LogEntry{NewLogEntry(LevelInfo, "job disabled", map[string]interface{}{
			"status": string(job.Status),
		})}, nil
	})
	if err != nil {
		return nil, err
	}

	s.feed.Publish(job)
	return job, nil
}

// AppendLog writes a single log entry for an existing job.
func (s *Store) AppendLog(ctx context.Context, jobID string, entry LogEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("job %s", jobID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to look up job")
		}
		return s.appendLogsTx(ctx, tx, jobID, []LogEntry{entry}, s.now().UTC())
	})
}

// QueryLogs returns a job's log entries newest first.
func (s *Store) QueryLogs(ctx context.Context, jobID string, f LogFilter) ([]LogEntry, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}

	where := []string{"job_id = ?"}
	args := []interface{}{jobID}

	if f.Level != "" {
		level := LogLevel(strings.ToUpper(string(f.Level)))
		if !IsValidLevel(string(level)) {
			return nil, errors.NewValidationError("unknown log level %q", f.Level)
		}
		where = append(where, "level = ?")
		args = append(args, level)
	}
	switch f.Source {
	case "":
	case "task":
		where = append(where, "source LIKE ?")
		args = append(args, taskSourcePrefix+"%")
	default:
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}
	if f.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixNano())
	}

	query := `SELECT id, job_id, timestamp, level, source, message, metadata
		FROM job_logs
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query job logs")
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job logs")
	}

	return entries, nil
}

// mutation edits job in place and returns log entries to append with it.
type mutation func(job *Job, now time.Time) ([]LogEntry, error)

// mutate applies fn inside a read-check-write transaction guarded by the
// version column, retrying a bounded number of times on conflict.
func (s *Store) mutate(ctx context.Context, id string, fn mutation) (*Job, error) {
	var job *Job
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		job, err = s.mutateOnce(ctx, id, fn)
		if !errors.Is(err, errors.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) mutateOnce(ctx context.Context, id string, fn mutation) (*Job, error) {
	var updated *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		next := *current
		logs, err := fn(&next, now)
		if errors.Is(err, errNoChange) {
			updated = current
			return nil
		}
		if err != nil {
			return err
		}

		next.Version = current.Version + 1
		next.UpdatedAt = now
		if err := updateJob(ctx, tx, &next, current.Version); err != nil {
			return err
		}
		if err := s.appendLogsTx(ctx, tx, id, logs, now); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	return updated, err
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// appendLogsTx inserts entries and prunes the job's log to the retention cap.
func (s *Store) appendLogsTx(ctx context.Context, tx *sql.Tx, jobID string, logs []LogEntry, now time.Time) error {
	if len(logs) == 0 {
		return nil
	}

	for _, entry := range logs {
		entry.Level = LogLevel(strings.ToUpper(string(entry.Level)))
		if err := entry.validate(); err != nil {
			return err
		}
		ts := entry.Timestamp
		if ts.IsZero() {
			ts = now
		}
		metadata, err := marshalMetadata(entry.Metadata)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO job_logs (job_id, timestamp, level, source, message, metadata)
			VALUES (?, ?, ?, ?, ?, ?)`,
			jobID, ts.UnixNano(), entry.Level, entry.Source, entry.Message, metadata)
		if err != nil {
			err = errors.Wrap(err, "failed to append job log")
			return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
		}
	}

	max := s.MaxLogsPerJob()
	if max <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM job_logs
		WHERE job_id = ?
		  AND id NOT IN (
			SELECT id FROM job_logs
			WHERE job_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		  )`, jobID, jobID, max)
	if err != nil {
		return errors.Wrap(err, "failed to prune job logs")
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getJob(ctx context.Context, q rowQuerier, id string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	var job Job
	err := ScanJobFromRow(q.QueryRowContext(ctx, query, id), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		err = errors.Wrap(err, "failed to get job")
		return nil, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", id))
	}
	return &job, nil
}

func insertJob(ctx context.Context, tx *sql.Tx, job *Job) error {
	var interval sql.NullInt64
	if job.IntervalMinutes != nil {
		interval = sql.NullInt64{Int64: int64(*job.IntervalMinutes), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, action, payload, kind,
			scheduled_at, interval_minutes, status,
			next_run_at, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Action,
		string(job.Payload),
		job.Kind,
		toNanos(job.ScheduledAt),
		interval,
		job.Status,
		toNanos(job.NextRunAt),
		job.Version,
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	return nil
}

func updateJob(ctx context.Context, tx *sql.Tx, job *Job, expectedVersion int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    last_run_at = ?,
		    next_run_at = ?,
		    error = ?,
		    claimed_by = ?,
		    claim_entry_id = ?,
		    lease_until = ?,
		    run_count = ?,
		    failure_count = ?,
		    disabled_at = ?,
		    version = ?,
		    updated_at = ?
		WHERE id = ? AND version = ?`,
		job.Status,
		toNanos(job.LastRunAt),
		toNanos(job.NextRunAt),
		nullString(job.Error),
		nullString(job.ClaimedBy),
		nullString(job.ClaimEntryID),
		toNanos(job.LeaseUntil),
		job.RunCount,
		job.FailureCount,
		toNanos(job.DisabledAt),
		job.Version,
		job.UpdatedAt.UnixNano(),
		job.ID,
		expectedVersion,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s changed since version %d", job.ID, expectedVersion)
	}
	return nil
}

func scanLogEntry(rows *sql.Rows) (LogEntry, error) {
	var entry LogEntry
	var ts int64
	var level string
	var metadata sql.NullString

	if err := rows.Scan(&entry.ID, &entry.JobID, &ts, &level, &entry.Source, &entry.Message, &metadata); err != nil {
		return entry, errors.Wrap(err, "failed to scan job log")
	}
	entry.Timestamp = time.Unix(0, ts).UTC()
	entry.Level = LogLevel(level)

	if metadata.Valid && metadata.String != "" {
		if err := unmarshalMetadata(metadata.String, &entry.Metadata); err != nil {
			return entry, errors.Wrapf(err, "failed to decode metadata of log %d", entry.ID)
		}
	}
	return entry, nil
}

func utcPtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
