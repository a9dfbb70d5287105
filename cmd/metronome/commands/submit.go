package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/metronome/display"
	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/pulse/async"
	"github.com/teranos/metronome/sym"
)

// SubmitCmd submits one job from flags, or every job in a TOML file
var SubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: sym.IX + " Submit a job",
	Long: sym.IX + ` Submit a job from flags or from a TOML file.

A job runs either once (--at) or every N minutes (--every). A job file
holds one job at the top level or several under [[jobs]]:

  [[jobs]]
  action = "http.request"
  interval_minutes = 5
  [jobs.payload]
  url = "https://example.com/health"

  [[jobs]]
  action = "noop"
  scheduled_at = 2026-07-04T13:00:00Z

Examples:
  metronome submit --action noop --at 2026-07-04T13:00:00Z
  metronome submit --action sleep --every 10 --payload '{"seconds":3}'
  metronome submit --file jobs.toml`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

func init() {
	f := SubmitCmd.Flags()
	f.String("action", "", "Registered action to run")
	f.String("at", "", "Run once at this RFC 3339 time (\"now\" for immediately)")
	f.Int("every", 0, "Run every N minutes, starting now")
	f.String("payload", "", "JSON payload passed to the task")
	f.String("file", "", "TOML file of jobs to submit")
}

// jobFileEntry is one job in a TOML job file. Kind is inferred from which
// timing field is set when left empty.
type jobFileEntry struct {
	Action          string                 `toml:"action"`
	Kind            string                 `toml:"kind"`
	ScheduledAt     *time.Time             `toml:"scheduled_at"`
	IntervalMinutes *int                   `toml:"interval_minutes"`
	Payload         map[string]interface{} `toml:"payload"`
}

// jobFile is either a single top-level job, a [[jobs]] list, or both
type jobFile struct {
	Action          string                 `toml:"action"`
	Kind            string                 `toml:"kind"`
	ScheduledAt     *time.Time             `toml:"scheduled_at"`
	IntervalMinutes *int                   `toml:"interval_minutes"`
	Payload         map[string]interface{} `toml:"payload"`
	Jobs            []jobFileEntry         `toml:"jobs"`
}

func (f jobFile) top() jobFileEntry {
	return jobFileEntry{
		Action:          f.Action,
		Kind:            f.Kind,
		ScheduledAt:     f.ScheduledAt,
		IntervalMinutes: f.IntervalMinutes,
		Payload:         f.Payload,
	}
}

// parseJobFile decodes a TOML job file into specs. Unknown keys are rejected
// so a typo never silently drops a timing field.
func parseJobFile(data string) ([]async.Spec, error) {
	var f jobFile
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, "invalid job file: "+err.Error())
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.NewValidationError("unknown keys in job file: %s", strings.Join(keys, ", "))
	}

	entries := f.Jobs
	if f.Action != "" {
		entries = append([]jobFileEntry{f.top()}, entries...)
	}
	if len(entries) == 0 {
		return nil, errors.NewValidationError("job file defines no jobs")
	}

	specs := make([]async.Spec, 0, len(entries))
	for i, e := range entries {
		spec, err := e.spec()
		if err != nil {
			return nil, errors.Wrapf(err, "job %d", i+1)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (e jobFileEntry) spec() (async.Spec, error) {
	spec := async.Spec{
		Action:          e.Action,
		Kind:            async.Kind(e.Kind),
		ScheduledAt:     e.ScheduledAt,
		IntervalMinutes: e.IntervalMinutes,
	}
	if spec.Kind == "" {
		spec.Kind = inferKind(e.ScheduledAt != nil, e.IntervalMinutes != nil)
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return spec, errors.Wrap(err, "failed to encode payload")
		}
		spec.Payload = raw
	}
	return spec, spec.Validate()
}

func inferKind(hasAt, hasEvery bool) async.Kind {
	switch {
	case hasEvery && !hasAt:
		return async.KindRetry
	case hasAt && !hasEvery:
		return async.KindScheduled
	}
	// Both or neither: leave it to Validate to explain
	return ""
}

// specFromFlags builds a spec from --action, --at, --every and --payload
func specFromFlags(action, at string, every int, payload string, now time.Time) (async.Spec, error) {
	spec := async.Spec{Action: action}

	if at != "" {
		t := now
		if at != "now" {
			parsed, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return spec, errors.NewValidationError("--at must be an RFC 3339 time or \"now\": %v", err)
			}
			t = parsed
		}
		spec.ScheduledAt = &t
	}
	if every != 0 {
		spec.IntervalMinutes = &every
	}
	spec.Kind = inferKind(spec.ScheduledAt != nil, spec.IntervalMinutes != nil)
	if spec.Kind == "" {
		return spec, errors.NewValidationError("set exactly one of --at and --every")
	}
	if payload != "" {
		spec.Payload = json.RawMessage(payload)
	}
	return spec, spec.Validate()
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var specs []async.Spec

	if path, _ := cmd.Flags().GetString("file"); path != "" {
		data, err := readFile(path)
		if err != nil {
			return err
		}
		if specs, err = parseJobFile(data); err != nil {
			return err
		}
	} else {
		action, _ := cmd.Flags().GetString("action")
		at, _ := cmd.Flags().GetString("at")
		every, _ := cmd.Flags().GetInt("every")
		payload, _ := cmd.Flags().GetString("payload")

		spec, err := specFromFlags(action, at, every, payload, time.Now())
		if err != nil {
			return err
		}
		specs = []async.Spec{spec}
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	engine, err := openEngine(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	var submitted []*async.Job
	for _, spec := range specs {
		job, err := engine.Submit(cmd.Context(), spec)
		if err != nil {
			if job == nil || !errors.Is(err, errors.ErrDispatchLoss) {
				return err
			}
			pterm.Warning.Printf("%s stored but not enqueued; the next worker start will recover it\n", job.ID)
		}
		submitted = append(submitted, job)
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(submitted)
	}
	for _, job := range submitted {
		pterm.Success.Printf("Submitted %s (%s, %s)\n", job.ID, job.Action, display.Timing(job))
	}
	if len(submitted) > 1 {
		fmt.Printf("%d jobs submitted\n", len(submitted))
	}
	return nil
}
