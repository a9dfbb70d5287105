package logger

import "go.uber.org/zap/zapcore"

// VerbosityLevel lowers a configured level one step per -v flag, stopping at
// debug. Zero flags keeps the configured level.
//
//	error -v   -> warn
//	info  -v   -> debug
//	warn  -vvv -> debug
func VerbosityLevel(configured zapcore.Level, verbosity int) zapcore.Level {
	l := configured
	for i := 0; i < verbosity && l > zapcore.DebugLevel; i++ {
		l--
	}
	return l
}
