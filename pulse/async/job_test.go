package async

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/internal/util"
)

func TestSpecValidate(t *testing.T) {
	at := frameZero.Add(time.Minute)

	tests := []struct {
		name    string
		spec    Spec
		wantErr string
	}{
		{"scheduled ok", scheduledSpec("noop", at), ""},
		{"retry ok", retrySpec("noop", 5), ""},
		{"retry max interval", retrySpec("noop", 525600), ""},
		{"missing action", Spec{Kind: KindScheduled, ScheduledAt: &at}, "action is required"},
		{"blank action", Spec{Action: "  ", Kind: KindScheduled, ScheduledAt: &at}, "action is required"},
		{"unknown kind", Spec{Action: "noop", Kind: "cron"}, "unknown kind"},
		{"scheduled without time", Spec{Action: "noop", Kind: KindScheduled}, "requires scheduled_at"},
		{"scheduled with interval", Spec{Action: "noop", Kind: KindScheduled, ScheduledAt: &at, IntervalMinutes: util.Ptr(5)}, "must not set interval_minutes"},
		{"retry without interval", Spec{Action: "noop", Kind: KindRetry}, "requires interval_minutes"},
		{"retry with time", Spec{Action: "noop", Kind: KindRetry, IntervalMinutes: util.Ptr(5), ScheduledAt: &at}, "must not set scheduled_at"},
		{"retry zero interval", retrySpec("noop", 0), "must be positive"},
		{"retry negative interval", retrySpec("noop", -3), "must be positive"},
		{"retry interval too long", retrySpec("noop", 525601), "at most 525600"},
		{"payload not json", Spec{Action: "noop", Kind: KindRetry, IntervalMinutes: util.Ptr(1), Payload: json.RawMessage(`{nope`)}, "not valid JSON"},
		{"payload too large", Spec{Action: "noop", Kind: KindRetry, IntervalMinutes: util.Ptr(1),
			Payload: json.RawMessage(`"` + strings.Repeat("a", MaxPayloadBytes) + `"`)}, "limit is"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err), "want validation error, got %v", err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewJobScheduled(t *testing.T) {
	t.Log("🤖 TAS Bot plans a frame-perfect run ten minutes out")

	at := frameZero.Add(10 * time.Minute)
	job, err := NewJob(scheduledSpec("noop", at), frameZero)
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "noop", job.Action)
	assert.Equal(t, KindScheduled, job.Kind)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, "null", string(job.Payload), "empty payload defaults to JSON null")
	assert.Equal(t, int64(1), job.Version)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.Equal(at))
	assert.Nil(t, job.IntervalMinutes)
	assert.False(t, job.IsTerminal())
}

func TestNewJobScheduledInPastRunsNow(t *testing.T) {
	job, err := NewJob(scheduledSpec("noop", frameZero.Add(-time.Hour)), frameZero)
	require.NoError(t, err)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.Equal(frameZero), "past schedule clamps to now, got %v", job.NextRunAt)
}

func TestNewJobRetryRunsImmediately(t *testing.T) {
	t.Log("⭐ Kirby: 'Poyo!' A retry job is ready at once")

	job, err := NewJob(retrySpec("noop", 15), frameZero)
	require.NoError(t, err)

	require.NotNil(t, job.IntervalMinutes)
	assert.Equal(t, 15, *job.IntervalMinutes)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.Equal(frameZero))
	assert.Equal(t, 15*time.Minute, job.Plan().Interval)
}

func TestNewJobRejectsInvalidSpec(t *testing.T) {
	job, err := NewJob(Spec{Action: "noop"}, frameZero)
	assert.Nil(t, job)
	assert.True(t, errors.IsValidationError(err))
}

func TestNewJobIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		job, err := NewJob(retrySpec("noop", 1), frameZero)
		require.NoError(t, err)
		assert.False(t, seen[job.ID], "duplicate ID %s", job.ID)
		seen[job.ID] = true
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		kind Kind
		from JobStatus
		to   JobStatus
		want bool
	}{
		{KindScheduled, JobStatusPending, JobStatusRunning, true},
		{KindScheduled, JobStatusRunning, JobStatusCompleted, true},
		{KindScheduled, JobStatusRunning, JobStatusFailed, true},
		{KindScheduled, JobStatusRunning, JobStatusPending, false},
		{KindScheduled, JobStatusCompleted, JobStatusRunning, false},
		{KindScheduled, JobStatusFailed, JobStatusRunning, false},
		{KindScheduled, JobStatusPending, JobStatusCompleted, false},

		{KindRetry, JobStatusPending, JobStatusRunning, true},
		{KindRetry, JobStatusRunning, JobStatusPending, true},
		{KindRetry, JobStatusRunning, JobStatusFailed, true},
		{KindRetry, JobStatusFailed, JobStatusRunning, true},
		{KindRetry, JobStatusRunning, JobStatusCompleted, false},
		{KindRetry, JobStatusPending, JobStatusFailed, false},
		{KindRetry, JobStatusFailed, JobStatusPending, false},
	}

	for _, tt := range tests {
		name := string(tt.kind) + "/" + string(tt.from) + "->" + string(tt.to)
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.kind, tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	disabled := frameZero

	assert.True(t, (&Job{Kind: KindScheduled, Status: JobStatusCompleted}).IsTerminal())
	assert.True(t, (&Job{Kind: KindScheduled, Status: JobStatusFailed}).IsTerminal())
	assert.False(t, (&Job{Kind: KindRetry, Status: JobStatusFailed}).IsTerminal(),
		"failed retry jobs keep their cadence")
	assert.True(t, (&Job{Kind: KindRetry, Status: JobStatusPending, DisabledAt: &disabled}).IsTerminal())
}

func TestLeaseLive(t *testing.T) {
	until := frameZero.Add(time.Minute)
	job := &Job{Status: JobStatusRunning, LeaseUntil: &until}

	assert.True(t, job.LeaseLive(frameZero))
	assert.False(t, job.LeaseLive(until), "lease ends at LeaseUntil")
	job.Status = JobStatusPending
	assert.False(t, job.LeaseLive(frameZero))
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range []string{"pending", "running", "completed", "failed"} {
		assert.True(t, IsValidStatus(s), s)
	}
	assert.False(t, IsValidStatus("paused"))
	assert.False(t, IsValidStatus(""))
}
