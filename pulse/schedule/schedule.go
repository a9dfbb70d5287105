// Package schedule computes when a job's queue entry should become visible.
//
// Everything here is a pure function of its inputs. Callers pass the current
// time explicitly so the same job always produces the same delays.
//
// Two kinds of job exist:
//   - scheduled: runs once at ScheduledAt (or immediately if that is past)
//   - retry: runs immediately, then every Interval measured from the end of
//     the previous run
package schedule

import (
	"time"
)

// Kind selects how a job is timed.
type Kind string

const (
	// KindScheduled runs exactly once at a fixed instant
	KindScheduled Kind = "scheduled"
	// KindRetry runs repeatedly with a fixed gap after each completion
	KindRetry Kind = "retry"
)

// MaxIntervalMinutes bounds retry intervals to one year.
const MaxIntervalMinutes = 525600

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindScheduled || k == KindRetry
}

func (k Kind) String() string {
	return string(k)
}

// Plan carries the timing fields of a job.
type Plan struct {
	Kind        Kind
	ScheduledAt time.Time     // zero unless Kind is KindScheduled
	Interval    time.Duration // zero unless Kind is KindRetry
}

// Interval converts a minute count into a duration.
func Interval(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

// InitialDelay is how long after now the first run becomes due.
// A scheduled time in the past yields zero rather than a negative delay.
// Retry jobs always start immediately.
func InitialDelay(p Plan, now time.Time) time.Duration {
	if p.Kind != KindScheduled {
		return 0
	}
	d := p.ScheduledAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// InitialVisibleAt is the absolute instant of the first run.
func InitialVisibleAt(p Plan, now time.Time) time.Time {
	return now.Add(InitialDelay(p, now))
}

// SubsequentDelay is the gap between the end of one run and the start of the
// next. Scheduled jobs never repeat, so their gap is zero.
func SubsequentDelay(p Plan) time.Duration {
	if p.Kind != KindRetry {
		return 0
	}
	return p.Interval
}

// NextRun is when a retry job should run again after finishing at completedAt.
// For scheduled jobs it returns the zero time.
func NextRun(p Plan, completedAt time.Time) time.Time {
	if p.Kind != KindRetry {
		return time.Time{}
	}
	return completedAt.Add(p.Interval)
}

// RepeatInterval is the interval recorded on a queue entry. Zero means the
// entry is not repeating.
func RepeatInterval(p Plan) time.Duration {
	return SubsequentDelay(p)
}

// ResumeAt is where a lost dispatch should be re-enqueued: at next if it is
// still ahead of now, else immediately. Missed runs are never replayed.
func ResumeAt(next *time.Time, now time.Time) time.Time {
	if next == nil || next.Before(now) {
		return now
	}
	return *next
}
