package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap's sugared logger with leveled key/value methods.
type Logger struct {
	zap *zap.Logger
}

// New creates a logger for the given level and environment. Production
// environments get JSON output; everything else gets the development
// console encoder.
func New(level, environment string) *Logger {
	var cfg zap.Config
	if environment == "production" || environment == "staging" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	zapLog, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		zapLog = zap.NewNop()
	}

	return &Logger{zap: zapLog}
}

// NewLogger wraps an existing zap logger.
func NewLogger(zapLog *zap.Logger) *Logger {
	return &Logger{zap: zapLog}
}

// Zap exposes the underlying zap logger for subsystems that take one
// directly.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// With returns a logger with the given key/value pairs attached to every
// entry.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{zap: l.zap.Sugar().With(keysAndValues...).Desugar()}
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.zap.Sugar().Debugw(msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.zap.Sugar().Infow(msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.zap.Sugar().Warnw(msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.zap.Sugar().Errorw(msg, keysAndValues...)
}

func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.zap.Sugar().Fatalw(msg, keysAndValues...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}
