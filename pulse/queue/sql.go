package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/metronome/errors"
)

// SQLQueue keeps entries in the queue_entries table next to the job records.
// Claims are a single UPDATE ... RETURNING, so SQLite's write lock makes
// them atomic across every process sharing the database file.
type SQLQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLQueue creates a queue over a migrated database
func NewSQLQueue(db *sql.DB, opts ...Option) *SQLQueue {
	o := buildOptions(opts)
	return &SQLQueue{db: db, now: o.now}
}

// Enqueue inserts an entry. It succeeds regardless of the job's state.
func (q *SQLQueue) Enqueue(ctx context.Context, jobID string, visibleAt time.Time, repeat time.Duration) (string, error) {
	return q.insert(ctx, q.db, jobID, visibleAt, repeat)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (q *SQLQueue) insert(ctx context.Context, e execer, jobID string, visibleAt time.Time, repeat time.Duration) (string, error) {
	id := uuid.NewString()
	_, err := e.ExecContext(ctx, `
		INSERT INTO queue_entries (id, job_id, visible_at, repeat_interval_ns, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, jobID, visibleAt.UnixNano(), int64(repeat), q.now().UnixNano())
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue entry")
		return "", errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	return id, nil
}

// ClaimNext claims the earliest visible unclaimed entry
func (q *SQLQueue) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Entry, error) {
	now := q.now()
	leaseUntil := now.Add(lease)

	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_entries
		SET claimed_by = ?, claimed_at = ?, lease_until = ?
		WHERE seq = (
			SELECT seq FROM queue_entries
			WHERE claimed_by IS NULL AND visible_at <= ?
			ORDER BY visible_at ASC, seq ASC
			LIMIT 1
		) AND claimed_by IS NULL
		RETURNING id, job_id, visible_at, repeat_interval_ns, created_at`,
		workerID, now.UnixNano(), leaseUntil.UnixNano(), now.UnixNano())

	var entry Entry
	var visibleAt, repeat, createdAt int64
	err := row.Scan(&entry.ID, &entry.JobID, &visibleAt, &repeat, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim entry")
	}

	entry.VisibleAt = time.Unix(0, visibleAt).UTC()
	entry.RepeatInterval = time.Duration(repeat)
	entry.CreatedAt = time.Unix(0, createdAt).UTC()
	entry.ClaimedBy = workerID
	claimedAt := now.UTC()
	entry.ClaimedAt = &claimedAt
	lu := leaseUntil.UTC()
	entry.LeaseUntil = &lu
	return &entry, nil
}

// Ack deletes a claimed entry
func (q *SQLQueue) Ack(ctx context.Context, entryID, workerID string) error {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_entries WHERE id = ? AND claimed_by = ?`, entryID, workerID)
	if err != nil {
		return errors.Wrapf(err, "failed to ack entry %s", entryID)
	}
	return q.checkClaimed(ctx, result, entryID, workerID)
}

// Release unclaims an entry and moves it to visibleAt
func (q *SQLQueue) Release(ctx context.Context, entryID, workerID string, visibleAt time.Time) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET claimed_by = NULL, claimed_at = NULL, lease_until = NULL, visible_at = ?
		WHERE id = ? AND claimed_by = ?`,
		visibleAt.UnixNano(), entryID, workerID)
	if err != nil {
		return errors.Wrapf(err, "failed to release entry %s", entryID)
	}
	return q.checkClaimed(ctx, result, entryID, workerID)
}

// Reschedule replaces a claimed entry with a fresh one for the same job
func (q *SQLQueue) Reschedule(ctx context.Context, entryID, workerID string, visibleAt time.Time) (string, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var jobID string
	var repeat int64
	var claimedBy sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT job_id, repeat_interval_ns, claimed_by FROM queue_entries WHERE id = ?`, entryID,
	).Scan(&jobID, &repeat, &claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return "", entryNotFound(entryID)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read entry %s", entryID)
	}
	if !claimedBy.Valid || claimedBy.String != workerID {
		return "", notClaimed(entryID, workerID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, entryID); err != nil {
		return "", errors.Wrapf(err, "failed to remove entry %s", entryID)
	}
	newID, err := q.insert(ctx, tx, jobID, visibleAt, time.Duration(repeat))
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "failed to commit reschedule")
	}
	return newID, nil
}

// Extend renews a held lease
func (q *SQLQueue) Extend(ctx context.Context, entryID, workerID string, lease time.Duration) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE queue_entries SET lease_until = ? WHERE id = ? AND claimed_by = ?`,
		q.now().Add(lease).UnixNano(), entryID, workerID)
	if err != nil {
		return errors.Wrapf(err, "failed to extend entry %s", entryID)
	}
	return q.checkClaimed(ctx, result, entryID, workerID)
}

// ReleaseExpired unclaims lapsed entries. Their visibleAt is kept, so they
// go back to the front of the line.
func (q *SQLQueue) ReleaseExpired(ctx context.Context) (int, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET claimed_by = NULL, claimed_at = NULL, lease_until = NULL
		WHERE claimed_by IS NOT NULL AND lease_until <= ?`,
		q.now().UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "failed to release expired entries")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

// HasEntry reports whether jobID has any entry
func (q *SQLQueue) HasEntry(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM queue_entries WHERE job_id = ?)`, jobID).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check entries for job %s", jobID)
	}
	return exists, nil
}

// Stats counts entries by state
func (q *SQLQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var ready, delayed, claimed sql.NullInt64
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN claimed_by IS NULL AND visible_at <= ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN claimed_by IS NULL AND visible_at > ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN claimed_by IS NOT NULL THEN 1 ELSE 0 END)
		FROM queue_entries`,
		q.now().UnixNano(), q.now().UnixNano(),
	).Scan(&s.Total, &ready, &delayed, &claimed)
	if err != nil {
		return s, errors.Wrap(err, "failed to read queue stats")
	}
	s.Ready = int(ready.Int64)
	s.Delayed = int(delayed.Int64)
	s.Claimed = int(claimed.Int64)
	return s, nil
}

// Close is a no-op; the database handle belongs to the caller
func (q *SQLQueue) Close() error {
	return nil
}

// checkClaimed turns a zero-row result into ErrNotClaimed or not-found.
func (q *SQLQueue) checkClaimed(ctx context.Context, result sql.Result, entryID, workerID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM queue_entries WHERE id = ?)`, entryID).Scan(&exists); err != nil {
		return errors.Wrapf(err, "failed to look up entry %s", entryID)
	}
	if !exists {
		return entryNotFound(entryID)
	}
	return notClaimed(entryID, workerID)
}
