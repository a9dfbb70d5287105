package logger

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Logger     *zap.SugaredLogger
	JSONOutput bool

	level = zap.NewAtomicLevelAt(zap.InfoLevel)
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger on stderr, leaving stdout to command
// output. levelName accepts zap level names ("debug", "info", "warn",
// "error"); empty means info.
func Initialize(jsonOutput bool, levelName string) error {
	return InitializeTo(os.Stderr, jsonOutput, levelName)
}

// InitializeTo is Initialize with an explicit destination.
func InitializeTo(w io.Writer, jsonOutput bool, levelName string) error {
	if err := SetLevel(levelName); err != nil {
		return err
	}
	JSONOutput = jsonOutput
	Logger = zap.New(newCore(zapcore.AddSync(w), jsonOutput)).Sugar()
	return nil
}

// newCore builds the production JSON encoder for machines, or a compact
// colored console encoder for humans.
func newCore(w zapcore.WriteSyncer, jsonOutput bool) zapcore.Core {
	if jsonOutput {
		return zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), w, level)
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc.EncodeCaller = nil
	return zapcore.NewCore(zapcore.NewConsoleEncoder(enc), w, level)
}

// SetLevel changes the level of the global logger in place. Loggers derived
// with Named or With observe the change too.
func SetLevel(levelName string) error {
	name := strings.TrimSpace(strings.ToLower(levelName))
	if name == "" {
		name = "info"
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

// Level returns the current global log level
func Level() zapcore.Level {
	return level.Level()
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}
