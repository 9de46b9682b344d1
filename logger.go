package modkernel

import (
	"go.uber.org/zap"
)

// Logger defines the interface for kernel logging.
// The kernel uses structured logging with key-value pairs so host
// applications can route kernel logs through their own logging stack.
//
// The variadic arguments are alternating key-value pairs:
//
//	logger.Info("module installed", "module", "summarizer", "version", "2.1.0")
//
// This shape is compatible with slog, zap's SugaredLogger, and similar
// structured loggers.
type Logger interface {
	// Info logs a normal kernel event (install, enable, snapshot, ...).
	Info(msg string, args ...any)

	// Error logs an error that does not stop the kernel.
	Error(msg string, args ...any)

	// Warn logs an unusual condition that does not prevent operation,
	// such as a soft-fail version mismatch.
	Warn(msg string, args ...any)

	// Debug logs detailed diagnostic information.
	Debug(msg string, args ...any)
}

// zapLogger adapts a zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps a zap.SugaredLogger as a kernel Logger.
func NewZapLogger(sugar *zap.SugaredLogger) Logger {
	return &zapLogger{sugar: sugar}
}

// NewDevelopmentLogger builds a Logger backed by zap's development
// configuration. Intended for examples and local runs; production hosts
// should inject their own logger.
func NewDevelopmentLogger() (Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: z.Sugar()}, nil
}

func (l *zapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *zapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *zapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }

// NopLogger discards all log output. Useful as a default in tests.
type NopLogger struct{}

func (NopLogger) Info(msg string, args ...any)  {}
func (NopLogger) Error(msg string, args ...any) {}
func (NopLogger) Warn(msg string, args ...any)  {}
func (NopLogger) Debug(msg string, args ...any) {}
