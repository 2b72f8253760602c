package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
)

// Logger is the canonical structured logging interface used by the project.
// Keep it small and focused on key/value structured events.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Fatalw(msg string, keysAndValues ...interface{})
	With(keysAndValues ...interface{}) Logger
	Sync() error
}

// Options controls how New builds a logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Encoding is json (default) or console.
	Encoding string
	// File, when set, tees output into a size-rotated file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// OptionsFromEnv reads LOG_LEVEL, LOG_ENCODING and LOG_FILE.
func OptionsFromEnv() Options {
	return Options{
		Level:    os.Getenv("LOG_LEVEL"),
		Encoding: os.Getenv("LOG_ENCODING"),
		File:     os.Getenv("LOG_FILE"),
	}
}

type zapLogger struct{ s *zap.SugaredLogger }

func (z zapLogger) Infow(msg string, kv ...interface{})  { z.s.Infow(msg, kv...) }
func (z zapLogger) Debugw(msg string, kv ...interface{}) { z.s.Debugw(msg, kv...) }
func (z zapLogger) Warnw(msg string, kv ...interface{})  { z.s.Warnw(msg, kv...) }
func (z zapLogger) Errorw(msg string, kv ...interface{}) { z.s.Errorw(msg, kv...) }
func (z zapLogger) Fatalw(msg string, kv ...interface{}) { z.s.Fatalw(msg, kv...) }
func (z zapLogger) With(kv ...interface{}) Logger        { return zapLogger{s: z.s.With(kv...)} }
func (z zapLogger) Sync() error                          { return z.s.Sync() }

// FromZap adapts an existing sugared logger.
func FromZap(s *zap.SugaredLogger) Logger {
	if s == nil {
		return Nop()
	}
	return zapLogger{s: s}
}

// noopLogger is a tiny, extremely cheap logger that does nothing. We use
// this as the default to make logging calls safe before Init is invoked.
type noopLogger struct{}

func (n noopLogger) Infow(msg string, keysAndValues ...interface{})  {}
func (n noopLogger) Debugw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Warnw(msg string, keysAndValues ...interface{})  {}
func (n noopLogger) Errorw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Fatalw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) With(keysAndValues ...interface{}) Logger        { return n }
func (n noopLogger) Sync() error                                     { return nil }

// Nop returns a logger that discards everything.
func Nop() Logger { return noopLogger{} }

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	// ISO8601 time for easier ingestion
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.CallerKey = "caller"
	return ec
}

// New builds a zap-backed Logger. It never touches the package default.
func New(opts Options) (Logger, error) {
	z, err := buildZap(opts)
	if err != nil {
		return nil, err
	}
	return zapLogger{s: z.Sugar()}, nil
}

func buildZap(opts Options) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevelAt(parseLevel(opts.Level))
	ec := encoderConfig()
	var enc zapcore.Encoder
	if strings.EqualFold(opts.Encoding, "console") {
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		enc = zapcore.NewJSONEncoder(ec)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}))
	}
	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), lvl)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel), zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}

// current holds the active Logger. Initialize to noopLogger so calls are
// always safe even if Init() hasn't been called yet.
var current Logger = noopLogger{}

// Init initializes the process-wide sugared logger from LOG_* env vars and
// redirects the standard library logger into zap. Only main() should call it.
// It's safe to call multiple times.
func Init() Logger {
	once.Do(func() {
		z, err := buildZap(OptionsFromEnv())
		if err != nil {
			return
		}
		// Redirect standard library logs into zap so all logs are unified.
		_ = zap.RedirectStdLog(z)
		sugar = z.Sugar()
		current = zapLogger{s: sugar}
	})
	return current
}

// SetLogger replaces the package-level logger. Pass nil to reset to the
// sugared logger initialized by Init() (if any). Useful for tests.
func SetLogger(l Logger) {
	if l == nil {
		if sugar != nil {
			current = zapLogger{s: sugar}
		} else {
			current = noopLogger{}
		}
		return
	}
	current = l
}

// GetLogger returns the current Logger.
func GetLogger() Logger { return current }

// FatalExitf logs a fatal message and exits the process with code 1. Tests
// can replace the logger via SetLogger to avoid process exit during test runs.
func FatalExitf(msg string, keysAndValues ...interface{}) {
	current.Fatalw(msg, keysAndValues...)
	os.Exit(1)
}

// Sync flushes any buffered logs.
func Sync() error { return current.Sync() }

// Context helpers: attach small canonical key/value slices to context.Context
// so they can be merged into log calls downstream.
type ctxKeyType struct{}

// WithFields returns a context containing the provided key/value pairs. If
// the context already contains fields they are appended (preserving order).
func WithFields(ctx context.Context, kv ...interface{}) context.Context {
	if len(kv) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(ctxKeyType{}).([]interface{})
	merged := make([]interface{}, 0, len(prev)+len(kv))
	merged = append(merged, prev...)
	merged = append(merged, kv...)
	return context.WithValue(ctx, ctxKeyType{}, merged)
}

// FromContext returns any fields previously attached with WithFields.
func FromContext(ctx context.Context) []interface{} {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKeyType{}).([]interface{}); ok {
		return v
	}
	return nil
}

// Ctx returns l scoped with the fields carried by ctx.
func Ctx(ctx context.Context, l Logger) Logger {
	if fields := FromContext(ctx); len(fields) > 0 {
		return l.With(fields...)
	}
	return l
}

// Helper functions that return sugared logger key/value pairs for common
// entities. Use canonical dot-separated keys to make queries easier in
// downstream log analysis tooling.
func SessionFields(sessionID, userID string) []interface{} {
	if userID == "" {
		return []interface{}{"session.id", sessionID}
	}
	return []interface{}{"session.id", sessionID, "user.id", userID}
}

func UserFields(userID, userName string) []interface{} {
	if userName == "" {
		return []interface{}{"user.id", userID}
	}
	return []interface{}{"user.id", userID, "user.name", userName}
}

func ChannelFields(channelID, channelName string) []interface{} {
	if channelName == "" {
		return []interface{}{"channel.id", channelID}
	}
	return []interface{}{"channel.id", channelID, "channel.name", channelName}
}

// UtteranceFields describes a finalized utterance: its byte size and the
// duration in milliseconds those bytes represent.
func UtteranceFields(bytes int, durationMs int64) []interface{} {
	return []interface{}{"bytes", bytes, "duration_ms", durationMs}
}
