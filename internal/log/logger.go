// Package log provides structured logging for potto using zap.
//
// Machinery logging (region bookkeeping, syscall entry, tracer state) goes
// through here at debug level. Guest-facing diagnostics do not: those belong
// to the emulator's ==PID== report stream, which is part of the tool's
// stable output.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with emulator-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger. Safe to call multiple times; only the
// first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Region logs a region lifecycle event.
func (l *Logger) Region(event string, base, size uint32, name string) {
	l.Debug(event,
		zap.String("base", Hex(uint64(base))),
		zap.Uint32("size", size),
		zap.String("name", name),
	)
}

// Syscall logs syscall entry at debug level.
func (l *Logger) Syscall(name string, a1, a2, a3 uint32) {
	l.Debug("syscall",
		zap.String("fn", name),
		zap.String("arg1", Hex(uint64(a1))),
		zap.String("arg2", Hex(uint64(a2))),
		zap.String("arg3", Hex(uint64(a3))),
	)
}

// Hex formats a value as a hex string for logging.
func Hex(v uint64) string {
	return "0x" + hexString(v)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint32) zap.Field {
	return zap.String("addr", Hex(uint64(addr)))
}

// Size creates a size field.
func Size(size uint32) zap.Field {
	return zap.Uint32("size", size)
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
