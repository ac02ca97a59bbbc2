package lg

import (
	"bytes"
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured log field, aliasing zapcore.Field.
type Field = zapcore.Field

func Any(key string, value any) Field                { return zap.Any(key, value) }
func String(key, value string) Field                 { return zap.String(key, value) }
func Strings(key string, value []string) Field       { return zap.Strings(key, value) }
func Int(key string, value int) Field                { return zap.Int(key, value) }
func Int32(key string, value int32) Field            { return zap.Int32(key, value) }
func Bool(key string, value bool) Field              { return zap.Bool(key, value) }
func Float64(key string, value float64) Field        { return zap.Float64(key, value) }
func Time(key string, value time.Time) Field         { return zap.Time(key, value) }
func Duration(key string, value time.Duration) Field { return zap.Duration(key, value) }
func Err(err error) Field                            { return zap.Error(err) }

// Logger defines the minimal interface for structured logging.
type Logger interface {
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	With(fields ...Field) Logger
	Sync() error
}

// Config holds logging configuration options.
type Config struct {
	ServiceName string `yaml:"serviceName" json:"serviceName"`
	Debug       bool   `yaml:"debug" json:"debug"`
	Format      string `yaml:"format" json:"format" validate:"omitempty,oneof=json console"`
}

// NewConfigFromFlags parses standard flags: -debug and -log-format.
// Remaining arguments are returned for the caller.
func NewConfigFromFlags(serviceName string, args []string) (*Config, []string) {
	fs := flag.NewFlagSet(serviceName, flag.ExitOnError)
	debug := fs.Bool("debug", false, "enable debug logging")
	format := fs.String("log-format", "json", "json or console")
	fs.Parse(args)
	return &Config{ServiceName: serviceName, Debug: *debug, Format: *format}, fs.Args()
}

// New builds a zap-based Logger based on cfg.
func New(cfg *Config) Logger {
	var baseCfg zap.Config
	if cfg.Debug {
		baseCfg = zap.NewDevelopmentConfig()
		baseCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		baseCfg = zap.NewProductionConfig()
	}

	format := cfg.Format
	if format == "" {
		format = "json"
	}
	baseCfg.Encoding = format
	baseCfg.EncoderConfig.TimeKey = "timestamp"
	baseCfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	baseCfg.InitialFields = map[string]any{"service": cfg.ServiceName}
	baseCfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}

	logger, err := baseCfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		log.Printf("[FATAL] cannot initialize zap logger: %v", err)
		return defaultLogger{}
	}
	return &zapLogger{l: logger}
}

// NewFromZap wraps an existing *zap.Logger, e.g. one built on zaptest/observer.
func NewFromZap(l *zap.Logger) Logger {
	return &zapLogger{l: l}
}

type zapLogger struct{ l *zap.Logger }

func (z *zapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, fields...) }
func (z *zapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) With(fields ...Field) Logger       { return &zapLogger{z.l.With(fields...)} }
func (z *zapLogger) Sync() error                       { return z.l.Sync() }

// defaultLogger falls back to the standard log package.
type defaultLogger struct{}

func (d defaultLogger) Info(msg string, fields ...Field)  { log.Println("INFO:", msg, flatten(fields...)) }
func (d defaultLogger) Error(msg string, fields ...Field) { log.Println("ERROR:", msg, flatten(fields...)) }
func (d defaultLogger) Warn(msg string, fields ...Field)  { log.Println("WARN:", msg, flatten(fields...)) }
func (d defaultLogger) Debug(msg string, fields ...Field) {}
func (d defaultLogger) With(fields ...Field) Logger       { return d }
func (d defaultLogger) Sync() error                       { return nil }

// flatten renders fields as "key=value key=value" using zap's console encoder.
func flatten(fields ...Field) string {
	if len(fields) == 0 {
		return ""
	}
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{LineEnding: " "})
	buffer, err := enc.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		return ""
	}
	defer buffer.Free()
	var buf bytes.Buffer
	buf.Write(buffer.Bytes())
	return strings.TrimSpace(buf.String())
}

type ctxKey struct{}

// Attach returns a new context with the provided Logger.
func Attach(ctx context.Context, lg Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, lg)
}

// FromContext retrieves the Logger from ctx, or falls back to defaultLogger.
func FromContext(ctx context.Context) Logger {
	if ctx == nil {
		return defaultLogger{}
	}
	if lg, ok := ctx.Value(ctxKey{}).(Logger); ok && lg != nil {
		return lg
	}
	return defaultLogger{}
}

// FromContextOr retrieves the Logger from ctx, or returns fallback.
func FromContextOr(ctx context.Context, fallback Logger) Logger {
	if ctx != nil {
		if lg, ok := ctx.Value(ctxKey{}).(Logger); ok && lg != nil {
			return lg
		}
	}
	return fallback
}

// noopLogger does absolutely nothing. For tests only.
type noopLogger struct{}

func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Error(string, ...Field) {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) With(...Field) Logger   { return noopLogger{} }
func (noopLogger) Sync() error            { return nil }

var Discard Logger = noopLogger{}

// Exit logs msg at error level, flushes and terminates the process.
func Exit(l Logger, msg string, fields ...Field) {
	l.Error(msg, fields...)
	_ = l.Sync()
	os.Exit(1)
}
