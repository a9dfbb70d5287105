package commands

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/metronome/display"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/pulse"
	"github.com/teranos/metronome/pulse/async"
)

// LogsCmd shows a job's log
var LogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Show a job's log",
	Long: `Show a job's log, oldest entry at the top.

--source task matches entries written by any task; otherwise the source
must match exactly (engine, task:http.request, ...).

Examples:
  metronome logs JB_... --level error
  metronome logs JB_... --since 1h --source task`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("level")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")
		sinceFlag, _ := cmd.Flags().GetString("since")

		filter := async.LogFilter{Level: async.LogLevel(level), Source: source, Limit: limit}
		if sinceFlag != "" {
			since, err := parseSince(sinceFlag, time.Now())
			if err != nil {
				return err
			}
			filter.Since = &since
		}

		return withEngine(cmd, func(e *pulse.Engine) error {
			entries, err := e.Logs(cmd.Context(), args[0], filter)
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.OutputJSON(entries)
			}
			return display.RenderLogs(os.Stdout, entries)
		})
	},
}

func init() {
	LogsCmd.Flags().String("level", "", "Only entries at this level (info, warn, error)")
	LogsCmd.Flags().String("source", "", "Only entries from this source")
	LogsCmd.Flags().Int("limit", async.DefaultLogLimit, "Maximum entries to show")
	LogsCmd.Flags().String("since", "", "Only entries after this RFC 3339 time or duration ago (e.g. 30m)")
}

// parseSince accepts an RFC 3339 time or a Go duration counted back from now
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, errors.NewValidationError("--since must be an RFC 3339 time or a positive duration, got %q", s)
	}
	return now.Add(-d), nil
}
