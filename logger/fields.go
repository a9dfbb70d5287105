package logger

import (
	"context"

	"go.uber.org/zap"
)

// Field names shared by every component, so job logs can be joined across
// the engine, the HTTP server and the CLI.
const (
	FieldJobID     = "job_id"
	FieldEntryID   = "entry_id"
	FieldWorkerID  = "worker_id"
	FieldRequestID = "request_id"

	FieldAction    = "action"
	FieldKind      = "kind"
	FieldStatus    = "status"
	FieldVisibleAt = "visible_at"
	FieldNextRunAt = "next_run_at"
	FieldLease     = "lease"
	FieldBackend   = "backend"

	FieldMethod     = "method"
	FieldPath       = "path"
	FieldAddress    = "address"
	FieldDurationMS = "duration_ms"
	FieldCount      = "count"
	FieldError      = "error"

	FieldSymbol = "symbol" // segment glyph, see sym
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
	workerIDKey  contextKey = "logger_worker_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithWorkerID adds a worker ID to the context for logging
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if workerID, ok := ctx.Value(workerIDKey).(string); ok && workerID != "" {
		fields = append(fields, FieldWorkerID, workerID)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
//
//	type WorkerPool struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewWorkerPool() *WorkerPool {
//	    return &WorkerPool{logger: logger.ComponentLogger("pulse.worker")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
