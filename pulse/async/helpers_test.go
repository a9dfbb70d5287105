package async

import (
	"testing"
	"time"

	"go.uber.org/zap"

	qntxtest "github.com/teranos/metronome/internal/testing"
	"github.com/teranos/metronome/pulse/queue"
)

// ============================================================================
// TAS Bot (Tool-Assisted Speedrun) & Kirby Test Universe
// ============================================================================
//
// Characters:
//   - TAS Bot: Frame-perfect coordinator who schedules jobs with precision timing
//   - Kirby: The worker who copies and executes jobs ('Poyo!')
//   - Cronos: Greek god of time, owns the fake clock every test runs on
//
// Theme: TAS Bot submits the run, Kirby plays it, and Cronos moves time
// forward so schedules can be checked without sleeping.
// ============================================================================

var frameZero = time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC)

// createTestLogger creates a no-op logger for testing
func createTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type testRig struct {
	clock *qntxtest.Clock
	store *Store
	queue queue.Queue
	reg   *HandlerRegistry
	pool  *WorkerPool
}

// newTestRig wires a store, SQL queue and worker pool onto one in-memory
// database and one fake clock.
func newTestRig(t *testing.T, cfg WorkerPoolConfig) *testRig {
	t.Helper()

	db := qntxtest.CreateTestDB(t)
	clock := qntxtest.NewClock(frameZero)
	store := NewStore(db, WithStoreClock(clock.Now), WithFeed(NewFeed()))
	q := queue.NewSQLQueue(db, queue.WithClock(clock.Now))
	reg := NewHandlerRegistry()
	pool := NewWorkerPool(t.Context(), store, q, reg, cfg, createTestLogger(),
		WithPoolClock(clock.Now), WithInstanceID("kirby"))

	return &testRig{clock: clock, store: store, queue: q, reg: reg, pool: pool}
}

func scheduledSpec(action string, at time.Time) Spec {
	return Spec{Action: action, Kind: KindScheduled, ScheduledAt: &at}
}

func retrySpec(action string, minutes int) Spec {
	return Spec{Action: action, Kind: KindRetry, IntervalMinutes: &minutes}
}
