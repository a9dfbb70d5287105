package async

import (
	"database/sql"
	"time"

	"github.com/teranos/metronome/errors"
)

// JobScanArgs holds the nullable columns scanned from a jobs row before
// they are folded into a Job.
type JobScanArgs struct {
	Payload         sql.NullString
	Kind            string
	Status          string
	ScheduledAt     sql.NullInt64
	IntervalMinutes sql.NullInt64
	LastRunAt       sql.NullInt64
	NextRunAt       sql.NullInt64
	ErrorMsg        sql.NullString
	ClaimedBy       sql.NullString
	ClaimEntryID    sql.NullString
	LeaseUntil      sql.NullInt64
	DisabledAt      sql.NullInt64
	CreatedAt       int64
	UpdatedAt       int64
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Action,
		&args.Payload,
		&args.Kind,
		&args.ScheduledAt,
		&args.IntervalMinutes,
		&args.Status,
		&args.LastRunAt,
		&args.NextRunAt,
		&args.ErrorMsg,
		&args.ClaimedBy,
		&args.ClaimEntryID,
		&args.LeaseUntil,
		&job.RunCount,
		&job.FailureCount,
		&args.DisabledAt,
		&job.Version,
		&args.CreatedAt,
		&args.UpdatedAt,
	}
}

// ProcessJobScanArgs folds the scanned columns into job.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) error {
	if !IsValidStatus(args.Status) {
		return errors.Newf("job %s has unknown status %q", job.ID, args.Status)
	}
	job.Status = JobStatus(args.Status)
	job.Kind = Kind(args.Kind)
	if !job.Kind.Valid() {
		return errors.Newf("job %s has unknown kind %q", job.ID, args.Kind)
	}

	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	if args.IntervalMinutes.Valid {
		m := int(args.IntervalMinutes.Int64)
		job.IntervalMinutes = &m
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.ClaimedBy.Valid {
		job.ClaimedBy = args.ClaimedBy.String
	}
	if args.ClaimEntryID.Valid {
		job.ClaimEntryID = args.ClaimEntryID.String
	}

	job.ScheduledAt = fromNanos(args.ScheduledAt)
	job.LastRunAt = fromNanos(args.LastRunAt)
	job.NextRunAt = fromNanos(args.NextRunAt)
	job.LeaseUntil = fromNanos(args.LeaseUntil)
	job.DisabledAt = fromNanos(args.DisabledAt)
	job.CreatedAt = time.Unix(0, args.CreatedAt).UTC()
	job.UpdatedAt = time.Unix(0, args.UpdatedAt).UTC()

	return nil
}

// ScanJobFromRow scans a single job from a sql.Row
func ScanJobFromRow(row *sql.Row, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := row.Scan(targets...); err != nil {
		return err
	}

	return ProcessJobScanArgs(job, args)
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops)
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	return ProcessJobScanArgs(job, args)
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, action, payload, kind,
		scheduled_at, interval_minutes, status,
		last_run_at, next_run_at, error,
		claimed_by, claim_entry_id, lease_until,
		run_count, failure_count, disabled_at,
		version, created_at, updated_at`
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

// Times are stored as INTEGER unix nanoseconds.

func toNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
