package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// With returns a child logger that always carries keysAndValues.
	With(keysAndValues ...any) Logger
}

// zapLogger wraps a *zap.SugaredLogger and implements Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

var _ Logger = (*zapLogger)(nil)

// Debug logs at DebugLevel. keysAndValues are alternating key/value pairs.
func (l *zapLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info logs at InfoLevel.
func (l *zapLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs at WarnLevel.
func (l *zapLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs at ErrorLevel.
func (l *zapLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *zapLogger) With(keysAndValues ...any) Logger {
	return &zapLogger{sugar: l.sugar.With(keysAndValues...)}
}

// Options controls how Init builds the process logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// File, when set, receives a copy of every log entry.
	File string
	// Development switches to zap's development config (colored console output).
	Development bool
}

var (
	mu          sync.Mutex
	globalSugar *zap.SugaredLogger
)

// Init creates a Zap logger, wraps it, and returns the Logger interface.
// Call this once at startup.
func Init(opts Options) (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if opts.File != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, opts.File)
	}

	if opts.Level != "" {
		level, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}

	zapLog, err := cfg.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1), // skip the zapLogger method frame
	)
	if err != nil {
		return nil, err
	}

	sugar := zapLog.Sugar()
	mu.Lock()
	globalSugar = sugar
	mu.Unlock()

	return &zapLogger{sugar: sugar}, nil
}

// Cleanup flushes any buffered log entries. Call at program exit.
func Cleanup() {
	mu.Lock()
	defer mu.Unlock()
	if globalSugar != nil {
		_ = globalSugar.Sync()
	}
}

// Global returns the Logger created by Init, or a no-op logger when Init
// has not been called yet.
func Global() Logger {
	mu.Lock()
	defer mu.Unlock()
	if globalSugar == nil {
		return Nop()
	}
	return &zapLogger{sugar: globalSugar}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}
