package commands

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/metronome/display"
	"github.com/teranos/metronome/pulse"
	"github.com/teranos/metronome/pulse/async"
	"github.com/teranos/metronome/sym"
)

// JobsCmd groups job inspection commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " List, inspect and disable jobs",
}

var jobsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List jobs, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		return withEngine(cmd, func(e *pulse.Engine) error {
			jobs, err := e.List(cmd.Context(), async.ListFilter{
				Status: async.JobStatus(status),
				Kind:   async.Kind(kind),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.OutputJSON(jobs)
			}
			return display.RenderJobs(os.Stdout, jobs)
		})
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *pulse.Engine) error {
			job, err := e.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.OutputJSON(job)
			}
			return display.RenderJob(os.Stdout, job)
		})
	},
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Stop a job from being dispatched again",
	Long: `Stop a job from being dispatched again.

A run already in progress finishes; its result is recorded but no further
run is scheduled. Disabling an already disabled job changes nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *pulse.Engine) error {
			job, err := e.Disable(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.OutputJSON(job)
			}
			pterm.Success.Printf("%s %s disabled\n", sym.StatusDisabled, job.ID)
			return nil
		})
	},
}

var jobsRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-create queue entries missing for active jobs",
	Long: `Re-create queue entries missing for active jobs.

Workers do this on start; run it by hand after restoring a database or
flushing a Redis queue.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *pulse.Engine) error {
			n, err := e.Recover(cmd.Context())
			if err != nil {
				return err
			}
			pterm.Success.Printf("%s %d queue entries recovered\n", sym.PulseOpen, n)
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts and queue depth",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(e *pulse.Engine) error {
			stats, err := e.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if display.ShouldOutputJSON(cmd) {
				return display.OutputJSON(stats)
			}
			data := pterm.TableData{{"STATUS", "JOBS"}}
			for _, s := range []async.JobStatus{async.JobStatusPending, async.JobStatusRunning, async.JobStatusCompleted, async.JobStatusFailed} {
				data = append(data, []string{sym.ForStatus(string(s)) + " " + string(s), pterm.Sprint(stats.Jobs[s])})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
				return err
			}
			pterm.Printf("Queue (%s): %d ready, %d delayed, %d claimed\n",
				stats.Backend, stats.Queue.Ready, stats.Queue.Delayed, stats.Queue.Claimed)
			return nil
		})
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "Filter by status (pending, running, completed, failed)")
	jobsListCmd.Flags().String("kind", "", "Filter by kind (scheduled, retry)")
	jobsListCmd.Flags().Int("limit", 50, "Maximum jobs to list")

	JobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsDisableCmd, jobsRecoverCmd, statsCmd)
}
