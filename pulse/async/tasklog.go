package async

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/metronome/logger"
)

// TaskLogger lets a running task append to its job's log. Arguments after
// the message are key/value pairs stored as entry metadata.
type TaskLogger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// NopTaskLogger discards everything
type NopTaskLogger struct{}

func (NopTaskLogger) Info(string, ...interface{})  {}
func (NopTaskLogger) Warn(string, ...interface{})  {}
func (NopTaskLogger) Error(string, ...interface{}) {}

// storeTaskLogger writes task log entries through the store. Write failures
// are reported on the process log, tagged with the job and worker carried by
// ctx, and never fail the task.
type storeTaskLogger struct {
	ctx    context.Context
	store  *Store
	jobID  string
	source string
	log    *zap.SugaredLogger
}

func newStoreTaskLogger(ctx context.Context, store *Store, job *Job, log *zap.SugaredLogger) *storeTaskLogger {
	return &storeTaskLogger{
		ctx:    ctx,
		store:  store,
		jobID:  job.ID,
		source: TaskSource(job.Action),
		log:    logger.FromContext(ctx, log),
	}
}

func (l *storeTaskLogger) Info(msg string, kv ...interface{})  { l.write(LevelInfo, msg, kv) }
func (l *storeTaskLogger) Warn(msg string, kv ...interface{})  { l.write(LevelWarn, msg, kv) }
func (l *storeTaskLogger) Error(msg string, kv ...interface{}) { l.write(LevelError, msg, kv) }

func (l *storeTaskLogger) write(level LogLevel, msg string, kv []interface{}) {
	entry := LogEntry{
		Level:    level,
		Source:   l.source,
		Message:  msg,
		Metadata: keysAndValuesToMap(kv),
	}
	if err := l.store.AppendLog(l.ctx, l.jobID, entry); err != nil {
		l.log.Warnw("Failed to record task log",
			"level", level,
			logger.FieldError, err)
	}
}

func keysAndValuesToMap(kv []interface{}) map[string]interface{} {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]interface{}, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 >= len(kv) {
			m["!BADKEY"] = key
			break
		}
		m[key] = kv[i+1]
	}
	return m
}
