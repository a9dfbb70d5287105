package logger

import (
	"github.com/teranos/metronome/sym"
	"go.uber.org/zap"
)

// Segment tags. The symbol is a structured field rather than part of the
// message, so logs can be filtered by segment:
//
//	e.logger = logger.AddPulseSymbol(log.Named("engine"))

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddQueueSymbol wraps a logger with the Queue symbol (⋈)
func AddQueueSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Queue)
}

// AddAMSymbol wraps a logger with the AM symbol (≡)
func AddAMSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.AM)
}
