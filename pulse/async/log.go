package async

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/metronome/errors"
)

// LogLevel is the severity of a job log entry
type LogLevel string

const (
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// IsValidLevel reports whether s names a log level
func IsValidLevel(s string) bool {
	switch LogLevel(strings.ToUpper(s)) {
	case LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// SourceEngine marks entries written by the engine itself.
const SourceEngine = "engine"

// taskSourcePrefix marks entries written from inside a task.
const taskSourcePrefix = "task:"

// TaskSource is the log source for entries written by the named task.
func TaskSource(action string) string {
	return taskSourcePrefix + action
}

// DefaultLogLimit and MaxLogLimit bound QueryLogs page sizes.
const (
	DefaultLogLimit = 100
	MaxLogLimit     = 1000
)

// LogEntry is one append-only row of a job's log.
type LogEntry struct {
	ID        int64                  `json:"id"`
	JobID     string                 `json:"job_id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewLogEntry builds an engine log entry. Timestamp is filled in on write
// when left zero.
func NewLogEntry(level LogLevel, message string, metadata map[string]interface{}) LogEntry {
	return LogEntry{
		Level:    level,
		Source:   SourceEngine,
		Message:  message,
		Metadata: metadata,
	}
}

// LogFilter narrows QueryLogs. Zero values mean no filter.
//
// Source matches exactly, except "task" which matches every task source.
type LogFilter struct {
	Level  LogLevel
	Source string
	Since  *time.Time
	Limit  int
}

func (f LogFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultLogLimit
	case f.Limit > MaxLogLimit:
		return MaxLogLimit
	default:
		return f.Limit
	}
}

func (e LogEntry) validate() error {
	if !IsValidLevel(string(e.Level)) {
		return errors.NewValidationError("unknown log level %q", e.Level)
	}
	if e.Source == "" {
		return errors.NewValidationError("log source is required")
	}
	return nil
}

func marshalMetadata(m map[string]interface{}) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal log metadata")
	}
	return string(b), nil
}

func unmarshalMetadata(s string, out *map[string]interface{}) error {
	return json.Unmarshal([]byte(s), out)
}
