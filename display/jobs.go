// Package display renders jobs and logs for the command line.
package display

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/internal/util"
	"github.com/teranos/metronome/pulse/async"
	"github.com/teranos/metronome/sym"
)

const timeLayout = "2006-01-02 15:04:05"

const maxPayloadShown = 200

// StatusLabel is the job status, or "disabled" once a job is disabled
func StatusLabel(job *async.Job) string {
	if job.IsDisabled() {
		return "disabled"
	}
	return string(job.Status)
}

// Timing describes when a job runs: "at <time>" or "every N min"
func Timing(job *async.Job) string {
	if job.IntervalMinutes != nil {
		return fmt.Sprintf("every %d min", *job.IntervalMinutes)
	}
	if job.ScheduledAt != nil {
		return "at " + formatTime(job.ScheduledAt)
	}
	return "-"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

// JobsTable builds table rows for jobs, header first
func JobsTable(jobs []*async.Job) pterm.TableData {
	data := pterm.TableData{{"ID", "ACTION", "STATUS", "WHEN", "NEXT RUN", "RUNS", "FAILS"}}
	for _, job := range jobs {
		status := StatusLabel(job)
		data = append(data, []string{
			job.ID,
			job.Action,
			sym.ForStatus(status) + " " + status,
			Timing(job),
			formatTime(job.NextRunAt),
			fmt.Sprint(job.RunCount),
			fmt.Sprint(job.FailureCount),
		})
	}
	return data
}

// RenderJobs writes jobs as a table
func RenderJobs(w io.Writer, jobs []*async.Job) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "No jobs")
		return err
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(JobsTable(jobs)).Srender()
	if err != nil {
		return errors.Wrap(err, "failed to render job table")
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

// RenderJob writes one job as key/value lines
func RenderJob(w io.Writer, job *async.Job) error {
	status := StatusLabel(job)
	rows := [][2]string{
		{"ID", job.ID},
		{"Action", job.Action},
		{"Kind", string(job.Kind)},
		{"Status", sym.ForStatus(status) + " " + status},
		{"When", Timing(job)},
		{"Next run", formatTime(job.NextRunAt)},
		{"Last run", formatTime(job.LastRunAt)},
		{"Runs", fmt.Sprintf("%d (%d failed)", job.RunCount, job.FailureCount)},
		{"Created", formatTime(&job.CreatedAt)},
	}
	if len(job.Payload) > 0 && string(job.Payload) != "null" {
		rows = append(rows, [2]string{"Payload", util.Truncate(string(job.Payload), maxPayloadShown)})
	}
	if job.Error != "" {
		rows = append(rows, [2]string{"Last error", job.Error})
	}
	if job.ClaimedBy != "" {
		rows = append(rows, [2]string{"Claimed by", job.ClaimedBy + " until " + formatTime(job.LeaseUntil)})
	}

	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%-11s %s\n", r[0]+":", r[1]); err != nil {
			return err
		}
	}
	return nil
}

// LogLine formats one log entry on a single line
func LogLine(e async.LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s [%s] %s", e.Timestamp.Local().Format(timeLayout), e.Level, e.Source, e.Message)
	for _, k := range slices.Sorted(maps.Keys(e.Metadata)) {
		fmt.Fprintf(&b, " %s=%v", k, e.Metadata[k])
	}
	return b.String()
}

// RenderLogs writes entries oldest first so the newest ends up at the
// bottom of the terminal
func RenderLogs(w io.Writer, entries []async.LogEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No log entries")
		return err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		line := LogLine(entries[i])
		switch entries[i].Level {
		case async.LevelError:
			line = pterm.Red(line)
		case async.LevelWarn:
			line = pterm.Yellow(line)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
