// Package pulse wires the job store, the dispatch queue and the worker pool
// into one explicitly constructed engine.
//
// Everything a caller does with jobs goes through an Engine: submission,
// queries, disabling, and the worker lifecycle. Nothing here is global, so
// tests can build as many engines as they like over their own databases.
package pulse

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/metronome/am"
	"github.com/teranos/metronome/db"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
	"github.com/teranos/metronome/pulse/async"
	"github.com/teranos/metronome/pulse/queue"
	"github.com/teranos/metronome/pulse/schedule"
)

// Options configures an Engine
type Options struct {
	Pool          async.WorkerPoolConfig
	MaxLogsPerJob int              // 0 = unbounded, negative keeps the store default
	Backend       string           // reported by Stats; set by NewFromConfig
	Clock         func() time.Time // nil = time.Now
	InstanceID    string           // worker ID prefix; empty = host-pid-random
}

// OptionsFromConfig translates the pulse section of am.Config
func OptionsFromConfig(cfg *am.Config) Options {
	return Options{
		Pool: async.WorkerPoolConfig{
			Workers:            cfg.Pulse.Workers,
			PollInterval:       cfg.Pulse.PollInterval(),
			LeaseTimeout:       cfg.Pulse.LeaseTimeout(),
			ReapInterval:       cfg.Pulse.ReapInterval(),
			MaxStartsPerMinute: cfg.Pulse.MaxStartsPerMinute,
		},
		MaxLogsPerJob: cfg.Pulse.MaxLogsPerJob,
		Backend:       cfg.GetQueueBackend(),
	}
}

// Engine is one scheduling engine instance.
type Engine struct {
	db       *sql.DB
	ownsDB   bool
	store    *async.Store
	queue    queue.Queue
	registry *async.HandlerRegistry
	pool     *async.WorkerPool
	feed     *async.Feed
	backend  string
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// Stats is a point-in-time summary of the engine
type Stats struct {
	Jobs    map[async.JobStatus]int `json:"jobs"`
	Queue   queue.Stats             `json:"queue"`
	Backend string                  `json:"backend"`
	Workers async.SystemMetrics     `json:"workers"`
	Actions []string                `json:"actions"`
}

// New builds an engine over a migrated database and a queue. The caller
// keeps ownership of conn; Close closes the queue only.
func New(ctx context.Context, conn *sql.DB, q queue.Queue, registry *async.HandlerRegistry, opts Options, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if registry == nil {
		registry = async.NewHandlerRegistry()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	backend := opts.Backend
	if backend == "" {
		backend = am.QueueBackendSQLite
	}

	feed := async.NewFeed()
	storeOpts := []async.StoreOption{async.WithStoreClock(now), async.WithFeed(feed)}
	if opts.MaxLogsPerJob >= 0 {
		storeOpts = append(storeOpts, async.WithMaxLogsPerJob(opts.MaxLogsPerJob))
	}
	store := async.NewStore(conn, storeOpts...)

	poolOpts := []async.PoolOption{async.WithPoolClock(now)}
	if opts.InstanceID != "" {
		poolOpts = append(poolOpts, async.WithInstanceID(opts.InstanceID))
	}
	pool := async.NewWorkerPool(ctx, store, q, registry, opts.Pool, log, poolOpts...)

	return &Engine{
		db:       conn,
		store:    store,
		queue:    q,
		registry: registry,
		pool:     pool,
		feed:     feed,
		backend:  backend,
		now:      now,
		logger:   logger.AddPulseSymbol(log.Named("engine")),
	}
}

// NewFromConfig opens the database named by cfg, runs migrations, connects
// the configured queue backend and builds the engine. The engine owns the
// database and closes it on Close.
func NewFromConfig(ctx context.Context, cfg *am.Config, registry *async.HandlerRegistry, log *zap.SugaredLogger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	conn, err := db.OpenWithMigrations(cfg.GetDatabasePath(), log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open job database")
	}

	q, err := OpenQueue(ctx, cfg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.AddQueueSymbol(log.Named("queue")).Infow("Queue ready", logger.FieldBackend, cfg.GetQueueBackend())

	e := New(ctx, conn, q, registry, OptionsFromConfig(cfg), log)
	e.ownsDB = true
	return e, nil
}

// OpenQueue connects the queue backend named by cfg
func OpenQueue(ctx context.Context, cfg *am.Config, conn *sql.DB) (queue.Queue, error) {
	switch backend := cfg.GetQueueBackend(); backend {
	case am.QueueBackendSQLite:
		return queue.NewSQLQueue(conn), nil
	case am.QueueBackendRedis:
		q, err := queue.DialRedis(ctx, cfg.Queue.Redis.URL, cfg.GetRedisPrefix()+":queue")
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect redis queue")
		}
		return q, nil
	default:
		return nil, errors.NewValidationError("unknown queue backend %q", backend)
	}
}

// Submit validates spec, persists a pending job and enqueues its first
// dispatch. Actions must be registered. When the record is written but the
// enqueue fails, the job is returned together with an error wrapping
// errors.ErrDispatchLoss; the next Recover re-derives the entry.
func (e *Engine) Submit(ctx context.Context, spec async.Spec) (*async.Job, error) {
	job, err := async.NewJob(spec, e.now())
	if err != nil {
		return nil, err
	}
	if !e.registry.Has(job.Action) {
		err := errors.NewValidationError("unknown action %q", job.Action)
		return nil, errors.WithHintf(err, "registered actions: %v", e.registry.Names())
	}

	now := job.CreatedAt
	if err := e.store.Insert(ctx, job, async.NewLogEntry(async.LevelInfo, "job submitted", map[string]interface{}{
		"kind":         string(job.Kind),
		"delay_ms":     schedule.InitialDelay(job.Plan(), now).Milliseconds(),
		"submitted_at": now.Format(time.RFC3339Nano),
	})); err != nil {
		return nil, err
	}

	entryID, err := e.queue.Enqueue(ctx, job.ID, *job.NextRunAt, schedule.RepeatInterval(job.Plan()))
	if err != nil {
		lost := errors.Wrapf(errors.ErrDispatchLoss, "job %s was stored but not enqueued", job.ID)
		lost = errors.WithSecondaryError(lost, err)
		e.logger.Errorw("Enqueue failed after submit", logger.FieldJobID, job.ID, logger.FieldError, err)
		if logErr := e.store.AppendLog(ctx, job.ID, async.NewLogEntry(async.LevelWarn, "enqueue failed, awaiting recovery", map[string]interface{}{
			"error": err.Error(),
		})); logErr != nil {
			e.logger.Warnw("Failed to append job log", logger.FieldJobID, job.ID, logger.FieldError, logErr)
		}
		return job, lost
	}

	e.logger.Infow("Job submitted",
		logger.FieldJobID, job.ID,
		logger.FieldEntryID, entryID,
		logger.FieldAction, job.Action,
		logger.FieldKind, job.Kind,
		logger.FieldVisibleAt, job.NextRunAt)
	return job, nil
}

// Get returns a job by ID
func (e *Engine) Get(ctx context.Context, id string) (*async.Job, error) {
	return e.store.Get(ctx, id)
}

// List returns jobs newest first
func (e *Engine) List(ctx context.Context, f async.ListFilter) ([]*async.Job, error) {
	return e.store.List(ctx, f)
}

// Logs returns a job's log newest first
func (e *Engine) Logs(ctx context.Context, id string, f async.LogFilter) ([]async.LogEntry, error) {
	return e.store.QueryLogs(ctx, id, f)
}

// Disable stops a job from being dispatched again. Its queue entry is
// dropped the next time a worker sees it.
func (e *Engine) Disable(ctx context.Context, id string) (*async.Job, error) {
	job, err := e.store.Disable(ctx, id)
	if err != nil {
		return nil, err
	}
	e.logger.Infow("Job disabled", logger.FieldJobID, id, "status", job.Status)
	return job, nil
}

// Recover re-creates queue entries lost to a crash. Start calls it too.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	return e.pool.RecoverDispatch(ctx)
}

// Start recovers dispatch and starts the workers
func (e *Engine) Start() {
	e.pool.Start()
}

// Stop waits for running tasks and stops the workers
func (e *Engine) Stop() {
	e.pool.Stop()
}

// Close stops the workers and releases the queue, plus the database when
// the engine opened it.
func (e *Engine) Close() error {
	if e.pool.Running() {
		e.pool.Stop()
	}

	var errs []error
	if err := e.queue.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "failed to close queue"))
	}
	if e.ownsDB {
		if err := e.db.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close database"))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	err := errs[0]
	for _, other := range errs[1:] {
		err = errors.WithSecondaryError(err, other)
	}
	return err
}

// Subscribe returns a channel of job updates. Pair with Unsubscribe.
func (e *Engine) Subscribe() chan *async.Job {
	return e.feed.Subscribe()
}

// Unsubscribe stops updates to ch
func (e *Engine) Unsubscribe(ch chan *async.Job) {
	e.feed.Unsubscribe(ch)
}

// Stats gathers job counts, queue contents and worker metrics
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	qs, err := e.queue.Stats(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read queue stats")
	}
	return &Stats{
		Jobs:    counts,
		Queue:   qs,
		Backend: e.backend,
		Workers: e.pool.GetSystemMetrics(),
		Actions: e.registry.Names(),
	}, nil
}

// SetRateLimit caps run starts per minute; zero removes the cap
func (e *Engine) SetRateLimit(perMinute int) {
	e.pool.SetRateLimit(perMinute)
}

// SetMaxLogsPerJob changes per-job log retention; zero keeps everything
func (e *Engine) SetMaxLogsPerJob(n int) {
	e.store.SetMaxLogsPerJob(n)
}

// ApplyConfig applies the settings that can change without a restart.
// It is meant to be registered with am.ConfigWatcher.OnReload.
func (e *Engine) ApplyConfig(cfg *am.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.SetRateLimit(cfg.Pulse.MaxStartsPerMinute)
	e.SetMaxLogsPerJob(cfg.Pulse.MaxLogsPerJob)
	e.logger.Infow("Applied config reload",
		"max_starts_per_minute", cfg.Pulse.MaxStartsPerMinute,
		"max_logs_per_job", cfg.Pulse.MaxLogsPerJob)
	return nil
}

// Registry returns the handler registry
func (e *Engine) Registry() *async.HandlerRegistry { return e.registry }

// Store returns the job store
func (e *Engine) Store() *async.Store { return e.store }

// Queue returns the dispatch queue
func (e *Engine) Queue() queue.Queue { return e.queue }

// Pool returns the worker pool
func (e *Engine) Pool() *async.WorkerPool { return e.pool }

// Backend names the queue backend in use
func (e *Engine) Backend() string { return e.backend }

func (e *Engine) String() string {
	return fmt.Sprintf("Engine{backend: %s, workers: %d}", e.backend, e.pool.Workers())
}
