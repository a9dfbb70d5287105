package async

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/queue"
	"github.com/teranos/metronome/pulse/schedule"
	"github.com/teranos/metronome/sym"
)

const (
	// MaxJobsToRecover limits how many jobs one recovery pass inspects
	MaxJobsToRecover = 10000
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

func (l pulseLogger) with(keysAndValues ...interface{}) pulseLogger {
	return pulseLogger{l.SugaredLogger.With(keysAndValues...)}
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers            int           `json:"workers"`               // Concurrent workers; 0 means submit-only
	PollInterval       time.Duration `json:"poll_interval"`         // How often an idle worker checks the queue
	LeaseTimeout       time.Duration `json:"lease_timeout"`         // How long a claim survives without a heartbeat
	ReapInterval       time.Duration `json:"reap_interval"`         // How often expired leases are released
	MaxStartsPerMinute int           `json:"max_starts_per_minute"` // 0 = unlimited
	StopTimeout        time.Duration `json:"stop_timeout"`          // How long Stop waits for running tasks
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      2,
		PollInterval: 500 * time.Millisecond,
		LeaseTimeout: 5 * time.Minute,
		ReapInterval: 15 * time.Second,
		StopTimeout:  30 * time.Second,
	}
}

func (c WorkerPoolConfig) withDefaults() WorkerPoolConfig {
	d := DefaultWorkerPoolConfig()
	if c.Workers < 0 {
		c.Workers = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = d.LeaseTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	return c
}

// WorkerPool claims queue entries and runs the jobs they point at.
//
// The job record decides whether a run happens: an entry for a missing,
// disabled, finished or already-running job is dropped or deferred without
// invoking the task. A job may therefore run more than once after a crash,
// but never concurrently with itself.
type WorkerPool struct {
	store         *Store
	queue         queue.Queue
	registry      *HandlerRegistry
	executor      TaskExecutor
	poolConfig    WorkerPoolConfig
	workers       int
	instance      string
	parentCtx     context.Context // Parent context from which worker context is derived
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	now           func() time.Time
	limiter       *rate.Limiter
	activeWorkers int
	runsStarted   int64
	startTime     time.Time
	running       bool
	logger        pulseLogger
	mu            sync.Mutex
	lifecycle     sync.Mutex // held for all of Start and Stop
}

// PoolOption configures a WorkerPool
type PoolOption func(*WorkerPool)

// WithPoolClock replaces time.Now for every scheduling decision the pool makes
func WithPoolClock(now func() time.Time) PoolOption {
	return func(wp *WorkerPool) { wp.now = now }
}

// WithInstanceID sets the prefix of worker IDs
func WithInstanceID(id string) PoolOption {
	return func(wp *WorkerPool) { wp.instance = id }
}

// WithExecutor replaces the registry-backed executor
func WithExecutor(e TaskExecutor) PoolOption {
	return func(wp *WorkerPool) { wp.executor = e }
}

// NewWorkerPool creates a worker pool. Handlers must be registered on
// registry before Start.
func NewWorkerPool(ctx context.Context, store *Store, q queue.Queue, registry *HandlerRegistry, cfg WorkerPoolConfig, log *zap.SugaredLogger, opts ...PoolOption) *WorkerPool {
	cfg = cfg.withDefaults()
	workerCtx, cancel := context.WithCancel(ctx)

	if registry == nil {
		registry = NewHandlerRegistry()
	}

	wp := &WorkerPool{
		store:      store,
		queue:      q,
		registry:   registry,
		executor:   NewRegistryExecutor(registry),
		poolConfig: cfg,
		workers:    cfg.Workers,
		instance:   defaultInstanceID(),
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		now:        time.Now,
		logger:     pulseLogger{logger.AddPulseSymbol(log.Named("pulse"))},
	}
	for _, opt := range opts {
		opt(wp)
	}
	wp.SetRateLimit(cfg.MaxStartsPerMinute)
	return wp
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "metronome"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// WorkerID names the i-th worker of this pool
func (wp *WorkerPool) WorkerID(i int) string {
	return fmt.Sprintf("%s/w%d", wp.instance, i)
}

// SetRateLimit caps how many runs may start per minute. Zero removes the cap.
func (wp *WorkerPool) SetRateLimit(perMinute int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	wp.poolConfig.MaxStartsPerMinute = perMinute
	if perMinute <= 0 {
		wp.limiter = nil
		return
	}
	wp.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Start recovers lost dispatch entries, then starts the workers and the
// lease reaper. Starting a running pool does nothing.
func (wp *WorkerPool) Start() {
	wp.lifecycle.Lock()
	defer wp.lifecycle.Unlock()

	wp.mu.Lock()
	if wp.running {
		wp.mu.Unlock()
		return
	}

	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}

	wp.startTime = time.Now()
	wp.runsStarted = 0
	wp.running = true
	ctx := wp.ctx
	wp.mu.Unlock()

	if _, err := wp.RecoverDispatch(ctx); err != nil {
		wp.logger.Warnw("Failed to recover dispatch entries", logger.FieldError, err)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	if wp.workers == 0 {
		wp.logger.Pulse("Worker pool idle (workers = 0), submit-only process")
		return
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, wp.WorkerID(i))
	}
	wp.wg.Add(1)
	go wp.reaper(ctx)

	wp.logger.Starting("Worker pool started",
		"workers", wp.workers,
		"instance", wp.instance,
		logger.FieldLease, wp.poolConfig.LeaseTimeout)
}

// Stop stops claiming new entries and waits for running tasks to finish,
// up to StopTimeout. Tasks still running after that keep their claims until
// the lease expires.
func (wp *WorkerPool) Stop() {
	wp.lifecycle.Lock()
	defer wp.lifecycle.Unlock()

	wp.mu.Lock()
	wp.running = false
	cancel := wp.cancel
	timeout := wp.poolConfig.StopTimeout
	wp.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse(sym.PulseClose + " Worker pool stopped, all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("Worker pool stop timed out, tasks still running", "timeout", timeout)
	}
}

// worker polls the queue until ctx is cancelled
func (wp *WorkerPool) worker(ctx context.Context, workerID string) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := wp.drain(ctx, workerID)
			if err == nil {
				if errorCount > 0 {
					wp.logger.Infow("Worker recovered from errors",
						logger.FieldWorkerID, workerID,
						"previous_error_count", errorCount)
				}
				errorCount = 0
				backoffDuration = time.Second
				continue
			}

			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, sql.ErrConnDone) {
				return
			}

			errorCount++
			wp.logger.Errorw("Worker error processing entry",
				logger.FieldWorkerID, workerID,
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					logger.FieldWorkerID, workerID,
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		}
	}
}

// drain processes entries until the queue has nothing visible
func (wp *WorkerPool) drain(ctx context.Context, workerID string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		processed, err := wp.ProcessNext(ctx, workerID)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

// ProcessNext claims and handles at most one entry. It reports whether an
// entry was claimed. Errors are infrastructure failures; task failures are
// recorded on the job and return nil.
func (wp *WorkerPool) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	reservation := wp.reserveStart()
	if reservation != nil && reservation.Delay() > 0 {
		reservation.Cancel()
		return false, nil
	}

	entry, err := wp.queue.ClaimNext(ctx, workerID, wp.poolConfig.LeaseTimeout)
	if errors.Is(err, queue.ErrEmpty) {
		if reservation != nil {
			reservation.Cancel()
		}
		return false, nil
	}
	if err != nil {
		if reservation != nil {
			reservation.Cancel()
		}
		return false, errors.Wrap(err, "failed to claim queue entry")
	}

	return true, wp.execute(ctx, workerID, entry)
}

func (wp *WorkerPool) reserveStart() *rate.Reservation {
	wp.mu.Lock()
	limiter := wp.limiter
	wp.mu.Unlock()
	if limiter == nil {
		return nil
	}
	return limiter.Reserve()
}

// execute applies the job-record checks to one claimed entry and runs the
// task if they pass.
func (wp *WorkerPool) execute(ctx context.Context, workerID string, entry *queue.Entry) error {
	log := wp.logger.with(
		logger.FieldJobID, entry.JobID,
		logger.FieldEntryID, entry.ID,
		logger.FieldWorkerID, workerID)

	current, err := wp.store.Get(ctx, entry.JobID)
	if errors.IsNotFoundError(err) {
		log.Warnw("Dropping entry for missing job")
		return wp.ack(ctx, entry, workerID, log)
	}
	if err != nil {
		wp.release(ctx, entry, workerID, wp.now(), log)
		return errors.Wrap(err, "failed to load job")
	}

	if current.IsDisabled() {
		wp.appendLog(ctx, current.ID, NewLogEntry(LevelInfo, "run skipped: job disabled", map[string]interface{}{
			"entry_id": entry.ID,
		}), log)
		return wp.ack(ctx, entry, workerID, log)
	}

	if current.IsTerminal() {
		wp.appendLog(ctx, current.ID, NewLogEntry(LevelWarn, "stale delivery ignored", map[string]interface{}{
			"entry_id": entry.ID,
			"status":   string(current.Status),
		}), log)
		return wp.ack(ctx, entry, workerID, log)
	}

	now := wp.now()
	if current.Status != JobStatusRunning && current.NextRunAt != nil && now.Before(*current.NextRunAt) {
		log.Debugw("Entry delivered before next run, deferring", logger.FieldNextRunAt, current.NextRunAt)
		wp.release(ctx, entry, workerID, *current.NextRunAt, log)
		return nil
	}

	started := now
	attempt := current.RunCount + 1
	job, err := wp.store.Claim(ctx, current.ID, Claim{
		WorkerID:   workerID,
		EntryID:    entry.ID,
		LeaseUntil: started.Add(wp.poolConfig.LeaseTimeout),
	}, NewLogEntry(LevelInfo, "run started", map[string]interface{}{
		"attempt":   attempt,
		"worker_id": workerID,
		"entry_id":  entry.ID,
	}))
	switch {
	case errors.IsClaimConflict(err):
		return wp.rejectDuplicate(ctx, entry, workerID, err, log)
	case errors.IsInvalidTransition(err):
		wp.appendLog(ctx, current.ID, NewLogEntry(LevelWarn, "stale delivery ignored", map[string]interface{}{
			"entry_id": entry.ID,
			"error":    err.Error(),
		}), log)
		return wp.ack(ctx, entry, workerID, log)
	case err != nil:
		wp.release(ctx, entry, workerID, wp.now(), log)
		return errors.Wrap(err, "failed to claim job")
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.runsStarted++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	// The task runs to completion even if the pool is stopping.
	taskCtx := logger.WithJobID(logger.WithWorkerID(context.WithoutCancel(ctx), workerID), job.ID)

	hbCtx, stopHeartbeat := context.WithCancel(taskCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		wp.heartbeat(hbCtx, job, entry, workerID, log)
	}()

	log.Debugw("Running task", logger.FieldAction, job.Action, "attempt", attempt)
	runErr := wp.executor.Execute(taskCtx, Task{
		JobID:   job.ID,
		Action:  job.Action,
		Kind:    job.Kind,
		Payload: job.Payload,
		Attempt: attempt,
		Log:     newStoreTaskLogger(taskCtx, wp.store, job, wp.logger.SugaredLogger),
	})

	stopHeartbeat()
	hbWG.Wait()

	return wp.resolve(taskCtx, job, entry, workerID, started, runErr, log)
}

// rejectDuplicate handles a claim refused because another live claim holds
// the job. If the holder is this same entry (its queue lease lapsed before
// the record's), the entry waits out the record lease. Otherwise the entry
// is a duplicate and is dropped without running.
func (wp *WorkerPool) rejectDuplicate(ctx context.Context, entry *queue.Entry, workerID string, claimErr error, log pulseLogger) error {
	holder, err := wp.store.Get(ctx, entry.JobID)
	if err != nil {
		wp.release(ctx, entry, workerID, wp.now(), log)
		return errors.Wrap(err, "failed to reload job after claim conflict")
	}

	if holder.ClaimEntryID == entry.ID && holder.LeaseUntil != nil {
		log.Debugw("Entry redelivered while its run is still leased, deferring",
			logger.FieldLease, holder.LeaseUntil)
		wp.release(ctx, entry, workerID, *holder.LeaseUntil, log)
		return nil
	}

	log.Errorw("Duplicate claim rejected",
		"holder_worker", holder.ClaimedBy,
		"holder_entry", holder.ClaimEntryID,
		logger.FieldError, claimErr)
	wp.appendLog(ctx, holder.ID, NewLogEntry(LevelError, "duplicate claim rejected", map[string]interface{}{
		"entry_id":      entry.ID,
		"worker_id":     workerID,
		"holder_worker": holder.ClaimedBy,
		"holder_entry":  holder.ClaimEntryID,
	}), log)
	return wp.ack(ctx, entry, workerID, log)
}

// resolve records the outcome of a run and disposes of its entry.
func (wp *WorkerPool) resolve(ctx context.Context, job *Job, entry *queue.Entry, workerID string, started time.Time, runErr error, log pulseLogger) error {
	completedAt := wp.now()
	upd := Update{LastRunAt: &completedAt, ClaimEntryID: entry.ID}
	meta := map[string]interface{}{
		"duration_ms": completedAt.Sub(started).Milliseconds(),
	}

	var next time.Time
	if job.Kind == KindRetry {
		next = schedule.NextRun(job.Plan(), completedAt)
		upd.NextRunAt = &next
		meta["next_run_at"] = next.Format(time.RFC3339Nano)
	}

	var to JobStatus
	var outcome LogEntry
	if runErr == nil {
		to = JobStatusCompleted
		if job.Kind == KindRetry {
			to = JobStatusPending
		}
		outcome = NewLogEntry(LevelInfo, "run completed", meta)
	} else {
		to = JobStatusFailed
		msg := runErr.Error()
		upd.Error = &msg
		meta["error_code"] = string(ClassifyError(runErr))
		if details := errors.FlattenDetails(runErr); details != "" {
			meta["details"] = details
		}
		outcome = NewLogEntry(LevelError, "run failed: "+msg, meta)
	}

	resolved, err := wp.store.Transition(ctx, job.ID, to, upd, outcome)
	switch {
	case errors.IsClaimConflict(err):
		log.Warnw("Claim was taken over during run, result discarded", logger.FieldError, err)
		wp.appendLog(ctx, job.ID, NewLogEntry(LevelWarn, "result discarded: claim taken over", map[string]interface{}{
			"entry_id": entry.ID,
			"outcome":  string(to),
		}), log)
		return nil
	case errors.IsInvalidTransition(err):
		log.Errorw("Integrity violation recording run outcome", logger.FieldError, err)
		wp.appendLog(ctx, job.ID, NewLogEntry(LevelError, "integrity violation: "+err.Error(), map[string]interface{}{
			"entry_id":   entry.ID,
			"error_code": string(ErrorCodeIntegrityError),
		}), log)
		return wp.ack(ctx, entry, workerID, log)
	case err != nil:
		// Entry stays claimed; once the lease lapses the run is taken over.
		return errors.Wrap(err, "failed to record run outcome")
	}

	if runErr != nil {
		log.Warnw("Task failed", logger.FieldAction, job.Action, logger.FieldError, runErr)
	} else {
		log.Debugw("Task completed", logger.FieldAction, job.Action)
	}

	if resolved.Kind == KindRetry && !resolved.IsDisabled() {
		if _, err := wp.queue.Reschedule(ctx, entry.ID, workerID, next); err != nil {
			if errors.Is(err, queue.ErrNotClaimed) || errors.IsNotFoundError(err) {
				log.Warnw("Entry lost before reschedule, redelivery will defer to next run", logger.FieldError, err)
				return nil
			}
			return errors.Wrap(err, "failed to reschedule entry")
		}
		return nil
	}
	return wp.ack(ctx, entry, workerID, log)
}

// heartbeat keeps both leases alive while a task runs
func (wp *WorkerPool) heartbeat(ctx context.Context, job *Job, entry *queue.Entry, workerID string, log pulseLogger) {
	lease := wp.poolConfig.LeaseTimeout
	ticker := time.NewTicker(lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wp.queue.Extend(ctx, entry.ID, workerID, lease); err != nil {
				log.Warnw("Failed to extend queue lease", logger.FieldError, err)
			}
			if err := wp.store.ExtendLease(ctx, job.ID, entry.ID, wp.now().Add(lease)); err != nil {
				log.Warnw("Failed to extend job lease", logger.FieldError, err)
			}
		}
	}
}

// reaper periodically returns lapsed claims to the queue
func (wp *WorkerPool) reaper(ctx context.Context) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := wp.ReapExpired(ctx); err != nil && ctx.Err() == nil {
				wp.logger.Warnw("Lease reaper error", logger.FieldError, err)
			}
		}
	}
}

// ReapExpired releases every entry whose lease has lapsed
func (wp *WorkerPool) ReapExpired(ctx context.Context) (int, error) {
	n, err := wp.queue.ReleaseExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		wp.logger.Warnw("Released expired leases", logger.FieldCount, n)
	}
	return n, nil
}

// RecoverDispatch re-creates queue entries for jobs that should have one
// but do not, typically after a crash between a record update and its
// queue write. Missed runs are not replayed: overdue jobs become visible now.
func (wp *WorkerPool) RecoverDispatch(ctx context.Context) (int, error) {
	jobs, err := wp.store.ListRecoverable(ctx, MaxJobsToRecover)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list recoverable jobs")
	}

	now := wp.now()
	recovered := 0
	for _, job := range jobs {
		has, err := wp.queue.HasEntry(ctx, job.ID)
		if err != nil {
			return recovered, errors.Wrapf(err, "failed to inspect dispatch for job %s", job.ID)
		}
		if has {
			continue
		}

		visibleAt := schedule.ResumeAt(job.NextRunAt, now)
		if job.Status == JobStatusRunning {
			visibleAt = schedule.ResumeAt(job.LeaseUntil, now)
		}

		entryID, err := wp.queue.Enqueue(ctx, job.ID, visibleAt, schedule.RepeatInterval(job.Plan()))
		if err != nil {
			return recovered, errors.Wrapf(err, "failed to re-enqueue job %s", job.ID)
		}
		recovered++

		lost := errors.Wrapf(errors.ErrDispatchLoss, "job %s had no queue entry", job.ID)
		wp.logger.Warnw("Dispatch recovered",
			logger.FieldJobID, job.ID,
			logger.FieldEntryID, entryID,
			logger.FieldVisibleAt, visibleAt,
			logger.FieldError, lost)
		wp.appendLog(ctx, job.ID, NewLogEntry(LevelWarn, "dispatch recovered", map[string]interface{}{
			"entry_id":   entryID,
			"visible_at": visibleAt.UTC().Format(time.RFC3339Nano),
			"status":     string(job.Status),
		}), wp.logger)
	}

	if recovered > 0 {
		wp.logger.Starting("Opening - recovered lost dispatch entries", logger.FieldCount, recovered)
	}
	return recovered, nil
}

func (wp *WorkerPool) ack(ctx context.Context, entry *queue.Entry, workerID string, log pulseLogger) error {
	err := wp.queue.Ack(ctx, entry.ID, workerID)
	if err == nil {
		return nil
	}
	if errors.Is(err, queue.ErrNotClaimed) || errors.IsNotFoundError(err) {
		log.Debugw("Entry already gone at ack", logger.FieldError, err)
		return nil
	}
	return errors.Wrap(err, "failed to ack entry")
}

func (wp *WorkerPool) release(ctx context.Context, entry *queue.Entry, workerID string, visibleAt time.Time, log pulseLogger) {
	if err := wp.queue.Release(ctx, entry.ID, workerID, visibleAt); err != nil {
		log.Warnw("Failed to release entry", logger.FieldError, err)
	}
}

func (wp *WorkerPool) appendLog(ctx context.Context, jobID string, entry LogEntry, log pulseLogger) {
	if err := wp.store.AppendLog(ctx, jobID, entry); err != nil {
		log.Warnw("Failed to append job log", logger.FieldJobID, jobID, logger.FieldError, err)
	}
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}

// Config returns the pool configuration in effect
func (wp *WorkerPool) Config() WorkerPoolConfig {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.poolConfig
}

// Running reports whether Start has been called without a matching Stop
func (wp *WorkerPool) Running() bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.running
}
