package sectembed

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a human readable logger writing to stderr.
// Level is one of "debug", "info", "warn" or "error".
func NewLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stderr),
		lvl,
	)
	return zap.New(core)
}

// Option configures an Embedder or a Linker
type Option func(*options)

type options struct {
	logger        *zap.Logger
	maxRegionSize int64
	kind          Kind
}

func newOptions(opts []Option) options {
	o := options{
		logger: zap.NewNop(),
		kind:   KindImage,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxRegionSize lowers the region size limit below the format's own.
// Zero or negative means no extra limit.
func WithMaxRegionSize(n int64) Option {
	return func(o *options) {
		o.maxRegionSize = n
	}
}

// WithKind selects what the Linker produces
func WithKind(k Kind) Option {
	return func(o *options) {
		o.kind = k
	}
}
