package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/pulse/schedule"
)

func testPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		LeaseTimeout: time.Minute,
		ReapInterval: time.Hour,
		StopTimeout:  5 * time.Second,
	}
}

// submit creates the record and its first queue entry the way the engine does
func (r *testRig) submit(t *testing.T, spec Spec) *Job {
	t.Helper()
	ctx := context.Background()

	job, err := r.store.Create(ctx, spec, NewLogEntry(LevelInfo, "job submitted", nil))
	require.NoError(t, err)
	_, err = r.queue.Enqueue(ctx, job.ID, *job.NextRunAt, schedule.RepeatInterval(job.Plan()))
	require.NoError(t, err)
	return job
}

func (r *testRig) process(t *testing.T) bool {
	t.Helper()
	processed, err := r.pool.ProcessNext(context.Background(), r.pool.WorkerID(0))
	require.NoError(t, err)
	return processed
}

func (r *testRig) job(t *testing.T, id string) *Job {
	t.Helper()
	job, err := r.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (r *testRig) messages(t *testing.T, id string, f LogFilter) []string {
	t.Helper()
	logs, err := r.store.QueryLogs(context.Background(), id, f)
	require.NoError(t, err)
	msgs := make([]string, len(logs))
	for i, l := range logs {
		msgs[i] = l.Message
	}
	return msgs
}

func (r *testRig) hasEntry(t *testing.T, id string) bool {
	t.Helper()
	has, err := r.queue.HasEntry(context.Background(), id)
	require.NoError(t, err)
	return has
}

// countingHandler registers action and counts its runs
func (r *testRig) countingHandler(action string, fn TaskFunc) *atomic.Int32 {
	var runs atomic.Int32
	r.reg.Register(Handle(action, func(ctx context.Context, task Task) error {
		runs.Add(1)
		if fn == nil {
			return nil
		}
		return fn(ctx, task)
	}))
	return &runs
}

func TestScheduledJobRunsOnceAtItsTime(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	runs := rig.countingHandler("noop", nil)
	t.Log("🤖 TAS Bot schedules a run ten seconds out")

	job := rig.submit(t, scheduledSpec("noop", frameZero.Add(10*time.Second)))

	assert.False(t, rig.process(t), "nothing visible before the scheduled time")
	assert.Zero(t, runs.Load())

	rig.clock.Advance(10 * time.Second)
	assert.True(t, rig.process(t))
	assert.EqualValues(t, 1, runs.Load())

	done := rig.job(t, job.ID)
	assert.Equal(t, JobStatusCompleted, done.Status)
	assert.Equal(t, 1, done.RunCount)
	require.NotNil(t, done.LastRunAt)
	assert.True(t, done.LastRunAt.Equal(frameZero.Add(10*time.Second)))
	assert.Empty(t, done.ClaimedBy)
	assert.False(t, rig.hasEntry(t, job.ID), "entry acked after a scheduled run")

	assert.Equal(t, []string{"run completed", "run started", "job submitted"}, rig.messages(t, job.ID, LogFilter{}))

	rig.clock.Advance(time.Hour)
	assert.False(t, rig.process(t))
	assert.EqualValues(t, 1, runs.Load(), "scheduled jobs never repeat")
	t.Log("✓ ⭐ Kirby: 'Poyo!' one frame-perfect run")
}

func TestScheduledJobFailureIsRecorded(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	rig.countingHandler("fail", func(ctx context.Context, task Task) error {
		return errors.New("dial tcp: connection refused")
	})

	job := rig.submit(t, scheduledSpec("fail", frameZero))
	assert.True(t, rig.process(t))

	failed := rig.job(t, job.ID)
	assert.Equal(t, JobStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "connection refused")
	assert.Equal(t, 1, failed.FailureCount)
	assert.False(t, rig.hasEntry(t, job.ID))

	logs, err := rig.store.QueryLogs(context.Background(), job.ID, LogFilter{Level: LevelError})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "run failed: ")
	assert.Equal(t, string(ErrorCodeNetworkError), logs[0].Metadata["error_code"])
}

func TestUnknownActionFailsTheRun(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())

	job := rig.submit(t, scheduledSpec("hammer", frameZero))
	assert.True(t, rig.process(t))

	failed := rig.job(t, job.ID)
	assert.Equal(t, JobStatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "no handler registered")
}

func TestRetryJobKeepsCadence(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	runs := rig.countingHandler("noop", nil)
	t.Log("⏳ Cronos: a retry job every five minutes")

	job := rig.submit(t, retrySpec("noop", 5))

	assert.True(t, rig.process(t), "retry job runs immediately")
	assert.EqualValues(t, 1, runs.Load())

	after := rig.job(t, job.ID)
	assert.Equal(t, JobStatusPending, after.Status)
	assert.Equal(t, 1, after.RunCount)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.Equal(frameZero.Add(5*time.Minute)), "next run measured from completion")
	assert.True(t, rig.hasEntry(t, job.ID), "entry rescheduled")

	rig.clock.Advance(4 * time.Minute)
	assert.False(t, rig.process(t))

	rig.clock.Advance(time.Minute)
	assert.True(t, rig.process(t))
	assert.EqualValues(t, 2, runs.Load())

	second := rig.job(t, job.ID)
	assert.Equal(t, 2, second.RunCount)
	assert.True(t, second.NextRunAt.Equal(frameZero.Add(10*time.Minute)))

	stats, err := rig.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total, "one entry per retry job")
}

func TestRetryJobFailureContinuesOnCadence(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	var calls atomic.Int32
	rig.reg.Register(Handle("flaky", func(ctx context.Context, task Task) error {
		if calls.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		assert.Equal(t, 2, task.Attempt)
		return nil
	}))

	job := rig.submit(t, retrySpec("flaky", 5))
	assert.True(t, rig.process(t))

	failed := rig.job(t, job.ID)
	assert.Equal(t, JobStatusFailed, failed.Status)
	assert.Equal(t, "flaky: first attempt fails", failed.Error)
	require.NotNil(t, failed.NextRunAt)
	assert.True(t, failed.NextRunAt.Equal(frameZero.Add(5*time.Minute)))
	assert.True(t, rig.hasEntry(t, job.ID), "a failure does not stop the cadence")

	rig.clock.Advance(5 * time.Minute)
	assert.True(t, rig.process(t))

	recovered := rig.job(t, job.ID)
	assert.Equal(t, JobStatusPending, recovered.Status)
	assert.Equal(t, 2, recovered.RunCount)
	assert.Equal(t, 1, recovered.FailureCount)
	assert.Equal(t, "flaky: first attempt fails", recovered.Error, "last error survives a success")
}

func TestDisabledJobIsSkipped(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	runs := rig.countingHandler("noop", nil)

	job := rig.submit(t, retrySpec("noop", 1))
	_, err := rig.store.Disable(context.Background(), job.ID)
	require.NoError(t, err)

	assert.True(t, rig.process(t))
	assert.Zero(t, runs.Load())
	assert.False(t, rig.hasEntry(t, job.ID), "entry for a disabled job is dropped")
	assert.Contains(t, rig.messages(t, job.ID, LogFilter{}), "run skipped: job disabled")
}

func TestDisableDuringRunStopsCadence(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	rig.reg.Register(Handle("noop", func(ctx context.Context, task Task) error {
		_, err := rig.store.Disable(ctx, task.JobID)
		return err
	}))

	job := rig.submit(t, retrySpec("noop", 1))
	assert.True(t, rig.process(t))

	after := rig.job(t, job.ID)
	assert.Equal(t, JobStatusPending, after.Status, "in-progress result still recorded")
	assert.True(t, after.IsDisabled())
	assert.False(t, rig.hasEntry(t, job.ID), "no further dispatch once disabled")
}

func TestStaleDeliveryIsIgnored(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, testPoolConfig())
	runs := rig.countingHandler("noop", nil)

	job := rig.submit(t, scheduledSpec("noop", frameZero))
	assert.True(t, rig.process(t))
	require.EqualValues(t, 1, runs.Load())

	_, err := rig.queue.Enqueue(ctx, job.ID, frameZero, 0)
	require.NoError(t, err)

	assert.True(t, rig.process(t))
	assert.EqualValues(t, 1, runs.Load(), "completed job does not run twice")
	assert.False(t, rig.hasEntry(t, job.ID))
	assert.Contains(t, rig.messages(t, job.ID, LogFilter{Level: LevelWarn}), "stale delivery ignored")
}

func TestMissingJobEntryIsDropped(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())

	_, err := rig.queue.Enqueue(context.Background(), "JB_GHOST", frameZero, 0)
	require.NoError(t, err)

	assert.True(t, rig.process(t))
	assert.False(t, rig.hasEntry(t, "JB_GHOST"))
}

func TestDuplicateClaimIsRejected(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, testPoolConfig())
	runs := rig.countingHandler("noop", nil)
	t.Log("🤖 TAS Bot: two inputs on the same frame, only one may land")

	job := rig.submit(t, scheduledSpec("noop", frameZero))
	_, err := rig.store.Claim(ctx, job.ID, Claim{
		WorkerID:   "other/w0",
		EntryID:    "E_OTHER",
		LeaseUntil: frameZero.Add(time.Minute),
	})
	require.NoError(t, err)

	assert.True(t, rig.process(t))
	assert.Zero(t, runs.Load(), "a job never runs concurrently with itself")
	assert.False(t, rig.hasEntry(t, job.ID))

	held := rig.job(t, job.ID)
	assert.Equal(t, "other/w0", held.ClaimedBy)
	assert.Contains(t, rig.messages(t, job.ID, LogFilter{Level: LevelError}), "duplicate claim rejected")
}

func TestRedeliveredEntryWaitsOutItsOwnLease(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, testPoolConfig())
	runs := rig.countingHandler("noop", nil)

	job := rig.submit(t, scheduledSpec("noop", frameZero))

	// A worker claims the entry with a short queue lease and a longer record lease.
	entry, err := rig.queue.ClaimNext(ctx, "ghost/w0", 10*time.Second)
	require.NoError(t, err)
	recordLease := frameZero.Add(time.Minute)
	_, err = rig.store.Claim(ctx, job.ID, Claim{WorkerID: "ghost/w0", EntryID: entry.ID, LeaseUntil: recordLease})
	require.NoError(t, err)

	rig.clock.Advance(11 * time.Second)
	n, err := rig.pool.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, rig.process(t))
	assert.Zero(t, runs.Load())
	assert.True(t, rig.hasEntry(t, job.ID), "entry kept until the record lease ends")

	stats, err := rig.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Delayed)

	rig.clock.Set(recordLease)
	assert.True(t, rig.process(t))
	assert.EqualValues(t, 1, runs.Load(), "expired claim taken over")
	assert.Equal(t, JobStatusCompleted, rig.job(t, job.ID).Status)
	assert.Contains(t, rig.messages(t, job.ID, LogFilter{Level: LevelWarn}), "lease expired, claim taken over")
}

func TestEarlyDeliveryIsDeferred(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, testPoolConfig())
	runs := rig.countingHandler("noop", nil)

	job := rig.submit(t, retrySpec("noop", 5))
	assert.True(t, rig.process(t))

	_, err := rig.queue.Enqueue(ctx, job.ID, frameZero, 0)
	require.NoError(t, err)

	assert.True(t, rig.process(t))
	assert.EqualValues(t, 1, runs.Load(), "no run before NextRunAt")

	stats, err := rig.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Ready)
	assert.Equal(t, 2, stats.Delayed)
}

func TestTakeoverAfterCrashedWorker(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, testPoolConfig())
	runs := rig.countingHandler("noop", nil)
	t.Log("💤 A worker crashes mid-run; Kirby inhales its job")

	job := rig.submit(t, scheduledSpec("noop", frameZero))
	entry, err := rig.queue.ClaimNext(ctx, "crashed/w0", time.Minute)
	require.NoError(t, err)
	_, err = rig.store.Claim(ctx, job.ID, Claim{WorkerID: "crashed/w0", EntryID: entry.ID, LeaseUntil: frameZero.Add(time.Minute)})
	require.NoError(t, err)

	rig.clock.Advance(2 * time.Minute)
	n, err := rig.pool.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.True(t, rig.process(t))
	assert.EqualValues(t, 1, runs.Load())

	done := rig.job(t, job.ID)
	assert.Equal(t, JobStatusCompleted, done.Status)
	assert.Equal(t, 1, done.RunCount)
}

func TestResultDiscardedAfterClaimTakenOver(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	rig.reg.Register(Handle("slowpoke", func(ctx context.Context, task Task) error {
		// The run outlives its lease and another worker takes the job over.
		rig.clock.Advance(2 * time.Minute)
		_, err := rig.store.Claim(ctx, task.JobID, Claim{
			WorkerID:   "thief/w0",
			EntryID:    "E_THIEF",
			LeaseUntil: rig.clock.Now().Add(time.Minute),
		})
		return err
	}))

	job := rig.submit(t, scheduledSpec("slowpoke", frameZero))
	assert.True(t, rig.process(t))

	held := rig.job(t, job.ID)
	assert.Equal(t, JobStatusRunning, held.Status)
	assert.Equal(t, "thief/w0", held.ClaimedBy)
	assert.Contains(t, rig.messages(t, job.ID, LogFilter{Level: LevelWarn}), "result discarded: claim taken over")
}

func TestTaskLogsGoToTheJob(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	rig.reg.Register(Handle("chatty", func(ctx context.Context, task Task) error {
		task.Log.Info("inhaling", "target", "Waddle Dee")
		task.Log.Warn("too big")
		return nil
	}))

	job := rig.submit(t, scheduledSpec("chatty", frameZero))
	assert.True(t, rig.process(t))

	logs, err := rig.store.QueryLogs(context.Background(), job.ID, LogFilter{Source: "task"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, TaskSource("chatty"), logs[0].Source)
	assert.Equal(t, "too big", logs[0].Message)
	assert.Equal(t, "Waddle Dee", logs[1].Metadata["target"])
}

func TestRecoverDispatch(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, testPoolConfig())
	t.Log("⏳ Cronos rewinds: records survived, the queue did not")

	future := frameZero.Add(time.Hour)
	later, err := rig.store.Create(ctx, scheduledSpec("noop", future))
	require.NoError(t, err)
	overdue, err := rig.store.Create(ctx, retrySpec("noop", 5))
	require.NoError(t, err)
	running, err := rig.store.Create(ctx, scheduledSpec("noop", frameZero))
	require.NoError(t, err)
	leaseEnd := frameZero.Add(3 * time.Minute)
	_, err = rig.store.Claim(ctx, running.ID, Claim{WorkerID: "lost/w0", EntryID: "E_LOST", LeaseUntil: leaseEnd})
	require.NoError(t, err)

	rig.clock.Advance(10 * time.Minute)

	n, err := rig.pool.RecoverDispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{later.ID, overdue.ID, running.ID} {
		assert.True(t, rig.hasEntry(t, id))
		assert.Contains(t, rig.messages(t, id, LogFilter{Level: LevelWarn}), "dispatch recovered")
	}

	stats, err := rig.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Ready, "overdue and lease-expired jobs are visible now")
	assert.Equal(t, 1, stats.Delayed, "future job keeps its time")

	again, err := rig.pool.RecoverDispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, again, "jobs with entries are left alone")
}

func TestRateLimitCapsRunStarts(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	runs := rig.countingHandler("noop", nil)

	rig.submit(t, scheduledSpec("noop", frameZero))
	rig.submit(t, scheduledSpec("noop", frameZero))

	rig.pool.SetRateLimit(1)
	assert.Equal(t, 1, rig.pool.Config().MaxStartsPerMinute)

	assert.True(t, rig.process(t))
	assert.False(t, rig.process(t), "second start waits for the next token")
	assert.EqualValues(t, 1, runs.Load())

	rig.pool.SetRateLimit(0)
	assert.True(t, rig.process(t))
	assert.EqualValues(t, 2, runs.Load())
}

func TestWorkerPoolStartStop(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	runs := rig.countingHandler("noop", nil)

	job := rig.submit(t, retrySpec("noop", 1))

	rig.pool.Start()
	assert.True(t, rig.pool.Running())
	rig.pool.Start() // no-op

	require.Eventually(t, func() bool {
		current, err := rig.store.Get(context.Background(), job.ID)
		return err == nil && current.RunCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	rig.pool.Stop()
	assert.False(t, rig.pool.Running())
	assert.EqualValues(t, 1, runs.Load())

	metrics := rig.pool.GetSystemMetrics()
	assert.Equal(t, 1, metrics.WorkersTotal)
	assert.EqualValues(t, 1, metrics.RunsStarted)
	assert.Zero(t, metrics.WorkersActive)
}

func TestConcurrentStartStop(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	rig.countingHandler("noop", nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			rig.pool.Start()
		}()
		go func() {
			defer wg.Done()
			rig.pool.Stop()
		}()
	}
	wg.Wait()

	rig.pool.Stop()
	assert.False(t, rig.pool.Running())

	// A stopped pool can still be restarted
	rig.pool.Start()
	assert.True(t, rig.pool.Running())
	rig.pool.Stop()
}

func TestStopLetsRunningTaskFinish(t *testing.T) {
	rig := newTestRig(t, testPoolConfig())
	started := make(chan struct{})
	release := make(chan struct{})
	rig.reg.Register(Handle("long", func(ctx context.Context, task Task) error {
		close(started)
		<-release
		return ctx.Err()
	}))

	job := rig.submit(t, scheduledSpec("long", frameZero))
	rig.pool.Start()
	<-started

	stopped := make(chan struct{})
	go func() {
		rig.pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped

	assert.Equal(t, JobStatusCompleted, rig.job(t, job.ID).Status, "task context is not cancelled by Stop")
}

func TestSubmitOnlyPoolStartsNoWorkers(t *testing.T) {
	cfg := testPoolConfig()
	cfg.Workers = 0
	rig := newTestRig(t, cfg)
	runs := rig.countingHandler("noop", nil)

	rig.submit(t, scheduledSpec("noop", frameZero))
	rig.pool.Start()
	time.Sleep(30 * time.Millisecond)
	rig.pool.Stop()

	assert.Zero(t, runs.Load())
	assert.Equal(t, 0, rig.pool.Workers())
}

func TestWorkerPoolConfigDefaults(t *testing.T) {
	cfg := WorkerPoolConfig{Workers: -1}.withDefaults()
	d := DefaultWorkerPoolConfig()

	assert.Equal(t, 0, cfg.Workers)
	assert.Equal(t, d.PollInterval, cfg.PollInterval)
	assert.Equal(t, d.LeaseTimeout, cfg.LeaseTimeout)
	assert.Equal(t, d.ReapInterval, cfg.ReapInterval)
	assert.Equal(t, d.StopTimeout, cfg.StopTimeout)
}

func TestCalculateSafeWorkerCount(t *testing.T) {
	assert.Equal(t, 1, calculateSafeWorkerCount(0.5))
	assert.Equal(t, 1, calculateSafeWorkerCount(1.1))
	assert.Equal(t, 4, calculateSafeWorkerCount(2))
	assert.Equal(t, 64, calculateSafeWorkerCount(512))
}
