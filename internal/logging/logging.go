// Package logging builds the zap-backed logr loggers used by the daemon and the tests.
package logging

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures a logger.
type Options struct {
	// Development enables the console encoder and development defaults.
	Development bool
	// DestWriter is where the log goes. Defaults to os.Stderr.
	DestWriter io.Writer
	// StacktraceLevel is the level from which stack traces are attached.
	StacktraceLevel zapcore.Level
	// TimeEncoder encodes timestamps.
	TimeEncoder zapcore.TimeEncoder
	// Level is the minimum level. Negative levels enable logr verbosity, e.g., -4 enables V(4).
	Level zapcore.Level
}

// New creates a logger.
func New(opts Options) logr.Logger {
	dest := opts.DestWriter
	if dest == nil {
		dest = os.Stderr
	}

	var ec zapcore.EncoderConfig
	if opts.Development {
		ec = zap.NewDevelopmentEncoderConfig()
	} else {
		ec = zap.NewProductionEncoderConfig()
	}
	if opts.TimeEncoder != nil {
		ec.EncodeTime = opts.TimeEncoder
	}

	var encoder zapcore.Encoder
	if opts.Development {
		encoder = zapcore.NewConsoleEncoder(ec)
	} else {
		encoder = zapcore.NewJSONEncoder(ec)
	}

	stacktrace := opts.StacktraceLevel
	if stacktrace == 0 {
		stacktrace = zapcore.ErrorLevel
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(dest), zap.NewAtomicLevelAt(opts.Level))
	zl := zap.New(core, zap.AddStacktrace(stacktrace))
	if opts.Development {
		zl = zl.WithOptions(zap.Development())
	}

	return zapr.NewLogger(zl)
}

// LevelFromVerbosity maps a logr verbosity to a zap level.
func LevelFromVerbosity(v int) zapcore.Level {
	return zapcore.Level(-v)
}
