package async

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/metronome/errors"
	qntxtest "github.com/teranos/metronome/internal/testing"
)

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *qntxtest.Clock) {
	t.Helper()
	clock := qntxtest.NewClock(frameZero)
	opts = append([]StoreOption{WithStoreClock(clock.Now)}, opts...)
	return NewStore(qntxtest.CreateTestDB(t), opts...), clock
}

func TestStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	t.Log("🤖 TAS Bot files the run in the record book")

	spec := retrySpec("http.request", 30)
	spec.Payload = json.RawMessage(`{"url":"https://example.com"}`)

	created, err := store.Create(ctx, spec, NewLogEntry(LevelInfo, "job submitted", nil))
	require.NoError(t, err)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "http.request", got.Action)
	assert.Equal(t, KindRetry, got.Kind)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(got.Payload))
	require.NotNil(t, got.IntervalMinutes)
	assert.Equal(t, 30, *got.IntervalMinutes)
	assert.Nil(t, got.ScheduledAt)
	assert.Equal(t, JobStatusPending, got.Status)
	assert.True(t, got.CreatedAt.Equal(frameZero))
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(frameZero))

	logs, err := store.QueryLogs(ctx, created.ID, LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "job submitted", logs[0].Message)
	assert.Equal(t, SourceEngine, logs[0].Source)
	assert.True(t, logs[0].Timestamp.Equal(frameZero))
}

func TestStoreCreateRejectsInvalidSpec(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Create(context.Background(), Spec{Action: "noop", Kind: KindRetry})
	assert.True(t, errors.IsValidationError(err))

	jobs, err := store.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "nothing persisted for a rejected spec")
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "JB_NOPE")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreListNewestFirstWithFilters(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	first, err := store.Create(ctx, retrySpec("noop", 1))
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := store.Create(ctx, scheduledSpec("noop", frameZero.Add(time.Hour)))
	require.NoError(t, err)
	clock.Advance(time.Second)
	third, err := store.Create(ctx, retrySpec("noop", 2))
	require.NoError(t, err)

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	retries, err := store.List(ctx, ListFilter{Kind: KindRetry})
	require.NoError(t, err)
	assert.Len(t, retries, 2)

	limited, err := store.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, third.ID, limited[0].ID)

	pending, err := store.List(ctx, ListFilter{Status: JobStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	_, err = store.List(ctx, ListFilter{Status: "paused"})
	assert.True(t, errors.IsValidationError(err))
	_, err = store.List(ctx, ListFilter{Kind: "cron"})
	assert.True(t, errors.IsValidationError(err))
}

func claimFor(worker, entry string, until time.Time) Claim {
	return Claim{WorkerID: worker, EntryID: entry, LeaseUntil: until}
}

func TestStoreScheduledLifecycle(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	t.Log("⭐ Kirby: 'Poyo!' one run, start to finish")

	job, err := store.Create(ctx, scheduledSpec("noop", frameZero))
	require.NoError(t, err)

	running, err := store.Claim(ctx, job.ID, claimFor("kirby/w0", "E1", frameZero.Add(time.Minute)),
		NewLogEntry(LevelInfo, "run started", nil))
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, running.Status)
	assert.Equal(t, "kirby/w0", running.ClaimedBy)
	assert.Equal(t, "E1", running.ClaimEntryID)
	assert.Equal(t, int64(2), running.Version)

	clock.Advance(2 * time.Second)
	done := clock.Now()
	completed, err := store.Transition(ctx, job.ID, JobStatusCompleted, Update{LastRunAt: &done, ClaimEntryID: "E1"},
		NewLogEntry(LevelInfo, "run completed", nil))
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, completed.Status)
	assert.Equal(t, 1, completed.RunCount)
	assert.Zero(t, completed.FailureCount)
	assert.Empty(t, completed.ClaimedBy, "leaving running releases the claim")
	assert.Empty(t, completed.ClaimEntryID)
	assert.Nil(t, completed.LeaseUntil)
	require.NotNil(t, completed.LastRunAt)
	assert.True(t, completed.LastRunAt.Equal(done))

	_, err = store.Claim(ctx, job.ID, claimFor("kirby/w1", "E2", done.Add(time.Minute)))
	assert.True(t, errors.IsInvalidTransition(err), "completed scheduled job cannot run again: %v", err)

	logs, err := store.QueryLogs(ctx, job.ID, LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "run completed", logs[0].Message)
	assert.Equal(t, "run started", logs[1].Message)
}

func TestStoreRetryFailureKeepsCadence(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	job, err := store.Create(ctx, retrySpec("fail", 5))
	require.NoError(t, err)

	_, err = store.Claim(ctx, job.ID, claimFor("w", "E1", frameZero.Add(time.Minute)))
	require.NoError(t, err)

	msg := "kaboom"
	next := frameZero.Add(5 * time.Minute)
	failed, err := store.Transition(ctx, job.ID, JobStatusFailed, Update{Error: &msg, NextRunAt: &next, ClaimEntryID: "E1"})
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, failed.Status)
	assert.Equal(t, "kaboom", failed.Error)
	assert.Equal(t, 1, failed.FailureCount)
	assert.False(t, failed.IsTerminal())

	again, err := store.Claim(ctx, job.ID, claimFor("w", "E2", next.Add(time.Minute)))
	require.NoError(t, err, "failed retry job runs again")
	assert.Equal(t, JobStatusRunning, again.Status)

	ok, err := store.Transition(ctx, job.ID, JobStatusPending, Update{ClaimEntryID: "E2"})
	require.NoError(t, err)
	assert.Equal(t, 2, ok.RunCount)
	assert.Equal(t, "kaboom", ok.Error, "last error is kept after a success")
}

func TestStoreTransitionRejectsIllegalMoves(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	job, err := store.Create(ctx, scheduledSpec("noop", frameZero))
	require.NoError(t, err)

	_, err = store.Transition(ctx, job.ID, JobStatusCompleted, Update{})
	assert.True(t, errors.IsInvalidTransition(err), "pending -> completed: %v", err)

	_, err = store.Claim(ctx, job.ID, claimFor("w", "E1", frameZero.Add(time.Minute)))
	require.NoError(t, err)
	_, err = store.Transition(ctx, job.ID, JobStatusPending, Update{})
	assert.True(t, errors.IsInvalidTransition(err), "scheduled running -> pending: %v", err)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, got.Status, "rejected transition leaves the record alone")
}

func TestStoreTransitionDetectsClaimTakeover(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	job, err := store.Create(ctx, scheduledSpec("noop", frameZero))
	require.NoError(t, err)
	_, err = store.Claim(ctx, job.ID, claimFor("w", "E_NEW", frameZero.Add(time.Minute)))
	require.NoError(t, err)

	_, err = store.Transition(ctx, job.ID, JobStatusCompleted, Update{ClaimEntryID: "E_OLD"})
	assert.True(t, errors.IsClaimConflict(err), "got %v", err)
}

func TestStoreClaimConflictAndTakeover(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	t.Log("⏳ Cronos: first claim holds for a minute")

	job, err := store.Create(ctx, scheduledSpec("noop", frameZero))
	require.NoError(t, err)
	_, err = store.Claim(ctx, job.ID, claimFor("sleepy", "E1", frameZero.Add(time.Minute)))
	require.NoError(t, err)

	_, err = store.Claim(ctx, job.ID, claimFor("eager", "E2", frameZero.Add(2*time.Minute)))
	assert.True(t, errors.IsClaimConflict(err), "live lease blocks a second claim: %v", err)

	clock.Advance(time.Minute)
	taken, err := store.Claim(ctx, job.ID, claimFor("eager", "E2", clock.Now().Add(time.Minute)),
		NewLogEntry(LevelInfo, "run started", nil))
	require.NoError(t, err)
	assert.Equal(t, "eager", taken.ClaimedBy)
	assert.Equal(t, "E2", taken.ClaimEntryID)

	logs, err := store.QueryLogs(ctx, job.ID, LogFilter{Level: LevelWarn})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "lease expired, claim taken over", logs[0].Message)
	assert.Equal(t, "sleepy", logs[0].Metadata["previous_worker"])
	assert.Equal(t, "E1", logs[0].Metadata["previous_entry"])
	t.Log("✓ Expired claim handed to the next worker")
}

func TestStoreExtendLease(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	job, err := store.Create(ctx, scheduledSpec("noop", frameZero))
	require.NoError(t, err)
	_, err = store.Claim(ctx, job.ID, claimFor("w", "E1", frameZero.Add(time.Minute)))
	require.NoError(t, err)

	later := frameZero.Add(10 * time.Minute)
	require.NoError(t, store.ExtendLease(ctx, job.ID, "E1", later))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LeaseUntil)
	assert.True(t, got.LeaseUntil.Equal(later))

	err = store.ExtendLease(ctx, job.ID, "E_OTHER", later)
	assert.True(t, errors.IsClaimConflict(err))
}

func TestStoreDisable(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	job, err := store.Create(ctx, retrySpec("noop", 1))
	require.NoError(t, err)

	clock.Advance(time.Second)
	disabled, err := store.Disable(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, disabled.DisabledAt)
	assert.True(t, disabled.DisabledAt.Equal(frameZero.Add(time.Second)))
	assert.True(t, disabled.IsTerminal())

	again, err := store.Disable(ctx, job.ID)
	require.NoError(t, err, "disabling twice is a no-op")
	assert.Equal(t, disabled.Version, again.Version)

	logs, err := store.QueryLogs(ctx, job.ID, LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1, "only the first disable writes a log")
	assert.Equal(t, "job disabled", logs[0].Message)

	_, err = store.Claim(ctx, job.ID, claimFor("w", "E1", frameZero.Add(time.Hour)))
	assert.True(t, errors.IsInvalidTransition(err))

	_, err = store.Disable(ctx, "JB_GHOST")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreQueryLogsFilters(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	job, err := store.Create(ctx, retrySpec("http.request", 1))
	require.NoError(t, err)

	write := func(entry LogEntry) {
		clock.Advance(time.Second)
		require.NoError(t, store.AppendLog(ctx, job.ID, entry))
	}
	write(NewLogEntry(LevelInfo, "run started", nil))
	write(LogEntry{Level: LevelInfo, Source: TaskSource("http.request"), Message: "GET https://example.com"})
	write(LogEntry{Level: "warn", Source: TaskSource("http.request"), Message: "slow response"})
	write(NewLogEntry(LevelError, "run failed: boom", map[string]interface{}{"error_code": "unknown"}))

	all, err := store.QueryLogs(ctx, job.ID, LogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "run failed: boom", all[0].Message, "newest first")
	assert.Equal(t, "unknown", all[0].Metadata["error_code"])

	warns, err := store.QueryLogs(ctx, job.ID, LogFilter{Level: "warn"})
	require.NoError(t, err)
	require.Len(t, warns, 1)
	assert.Equal(t, LevelWarn, warns[0].Level, "level is normalized on write")

	task, err := store.QueryLogs(ctx, job.ID, LogFilter{Source: "task"})
	require.NoError(t, err)
	assert.Len(t, task, 2)

	engine, err := store.QueryLogs(ctx, job.ID, LogFilter{Source: SourceEngine})
	require.NoError(t, err)
	assert.Len(t, engine, 2)

	since := frameZero.Add(3 * time.Second)
	recent, err := store.QueryLogs(ctx, job.ID, LogFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	one, err := store.QueryLogs(ctx, job.ID, LogFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)

	_, err = store.QueryLogs(ctx, job.ID, LogFilter{Level: "DEBUG"})
	assert.True(t, errors.IsValidationError(err))

	_, err = store.QueryLogs(ctx, "JB_GHOST", LogFilter{})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreAppendLogValidation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	err := store.AppendLog(ctx, "JB_GHOST", NewLogEntry(LevelInfo, "hello", nil))
	assert.True(t, errors.IsNotFoundError(err))

	job, err := store.Create(ctx, retrySpec("noop", 1))
	require.NoError(t, err)

	err = store.AppendLog(ctx, job.ID, LogEntry{Level: LevelInfo, Message: "no source"})
	assert.True(t, errors.IsValidationError(err))
	err = store.AppendLog(ctx, job.ID, LogEntry{Level: "TRACE", Source: SourceEngine, Message: "bad level"})
	assert.True(t, errors.IsValidationError(err))
}

func TestStoreLogRetentionPrunesOldest(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t, WithMaxLogsPerJob(3))

	job, err := store.Create(ctx, retrySpec("noop", 1))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		clock.Advance(time.Second)
		require.NoError(t, store.AppendLog(ctx, job.ID, NewLogEntry(LevelInfo, fmt.Sprintf("beat %d", i), nil)))
	}

	logs, err := store.QueryLogs(ctx, job.ID, LogFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "beat 5", logs[0].Message)
	assert.Equal(t, "beat 3", logs[2].Message)

	store.SetMaxLogsPerJob(0)
	assert.Zero(t, store.MaxLogsPerJob())
	for i := 6; i <= 8; i++ {
		require.NoError(t, store.AppendLog(ctx, job.ID, NewLogEntry(LevelInfo, fmt.Sprintf("beat %d", i), nil)))
	}
	logs, err = store.QueryLogs(ctx, job.ID, LogFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 6, "zero cap keeps everything")
}

func TestStoreCountByStatus(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[JobStatus]int{
		JobStatusPending: 0, JobStatusRunning: 0, JobStatusCompleted: 0, JobStatusFailed: 0,
	}, counts)

	a, err := store.Create(ctx, scheduledSpec("noop", frameZero))
	require.NoError(t, err)
	_, err = store.Create(ctx, retrySpec("noop", 1))
	require.NoError(t, err)
	_, err = store.Claim(ctx, a.ID, claimFor("w", "E1", frameZero.Add(time.Minute)))
	require.NoError(t, err)

	counts, err = store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[JobStatusPending])
	assert.Equal(t, 1, counts[JobStatusRunning])
}

func TestStoreListRecoverable(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	pending, err := store.Create(ctx, scheduledSpec("noop", frameZero))
	require.NoError(t, err)

	done, err := store.Create(ctx, scheduledSpec("noop", frameZero))
	require.NoError(t, err)
	_, err = store.Claim(ctx, done.ID, claimFor("w", "E1", frameZero.Add(time.Minute)))
	require.NoError(t, err)
	_, err = store.Transition(ctx, done.ID, JobStatusCompleted, Update{})
	require.NoError(t, err)

	retry, err := store.Create(ctx, retrySpec("noop", 1))
	require.NoError(t, err)

	off, err := store.Create(ctx, retrySpec("noop", 1))
	require.NoError(t, err)
	_, err = store.Disable(ctx, off.ID)
	require.NoError(t, err)

	jobs, err := store.ListRecoverable(ctx, 100)
	require.NoError(t, err)

	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{pending.ID, retry.ID}, ids)
}

func TestStorePublishesToFeed(t *testing.T) {
	ctx := context.Background()
	feed := NewFeed()
	store, _ := newTestStore(t, WithFeed(feed))

	ch := feed.Subscribe()
	defer feed.Unsubscribe(ch)

	job, err := store.Create(ctx, retrySpec("noop", 1))
	require.NoError(t, err)
	_, err = store.Disable(ctx, job.ID)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, job.ID, first.ID)
	assert.Nil(t, first.DisabledAt)
	second := <-ch
	assert.NotNil(t, second.DisabledAt)
}

// jobRowValues returns one jobs row in StandardJobSelectColumns order
func jobRowValues(id string, version int64) []driver.Value {
	now := frameZero.UnixNano()
	return []driver.Value{
		id, "noop", "null", "retry",
		nil, int64(1), "pending",
		nil, now, nil,
		nil, nil, nil,
		int64(0), int64(0), nil,
		version, now, now,
	}
}

var jobColumns = []string{
	"id", "action", "payload", "kind",
	"scheduled_at", "interval_minutes", "status",
	"last_run_at", "next_run_at", "error",
	"claimed_by", "claim_entry_id", "lease_until",
	"run_count", "failure_count", "disabled_at",
	"version", "created_at", "updated_at",
}

func TestStoreMutateRetriesOnVersionConflict_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	store := NewStore(db, WithStoreClock(func() time.Time { return frameZero }))

	// First attempt loses the race, second succeeds.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM jobs WHERE id = \?`).WithArgs("JB_RACE").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(jobRowValues("JB_RACE", 1)...))
	mock.ExpectExec(`UPDATE jobs`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM jobs WHERE id = \?`).WithArgs("JB_RACE").
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(jobRowValues("JB_RACE", 2)...))
	mock.ExpectExec(`UPDATE jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO job_logs`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM job_logs`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	job, err := store.Disable(context.Background(), "JB_RACE")
	require.NoError(t, err)
	assert.Equal(t, int64(3), job.Version)
	assert.NotNil(t, job.DisabledAt)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestStoreMutateGivesUpAfterRepeatedConflicts_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	store := NewStore(db, WithStoreClock(func() time.Time { return frameZero }))

	for i := 0; i < maxConflictRetries; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT (.+) FROM jobs WHERE id = \?`).
			WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(jobRowValues("JB_HOT", int64(i+1))...))
		mock.ExpectExec(`UPDATE jobs`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
	}

	_, err = store.Disable(context.Background(), "JB_HOT")
	assert.True(t, errors.Is(err, errors.ErrConflict), "got %v", err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
