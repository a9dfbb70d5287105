package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/metronome/cmd/metronome/commands"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/logger"
)

var rootCmd = &cobra.Command{
	Use:   "metronome",
	Short: "metronome - durable job scheduler",
	Long: `metronome - durable job scheduler.

Runs named task functions once at a moment in time or repeatedly on an
interval. Job state lives in SQLite; queue entries live in SQLite or Redis.

Available commands:
  serve   - Run workers and the HTTP API
  worker  - Run workers only
  submit  - Submit a job
  jobs    - List, inspect and disable jobs
  logs    - Show a job's log
  am      - Show and validate configuration
  db      - Database maintenance

Examples:
  metronome serve
  metronome submit --action http.request --every 5 --payload '{"url":"https://example.com"}'
  metronome jobs ls --status failed
  metronome logs JB_... --level error`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.InitLogging(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Output JSON instead of tables")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Lower the log level one step per flag (-v, -vv)")
	rootCmd.PersistentFlags().String("db", "", "Override database.path")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.LogsCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if hints := errors.GetAllHints(err); len(hints) > 0 {
			fmt.Fprintln(os.Stderr, "hint:", hints[0])
		}
		os.Exit(1)
	}
}
