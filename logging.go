package dockerizer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

////////////////////////////////////////////////////////////////////////////////
// Logging
////////////////////////////////////////////////////////////////////////////////

type appLogger struct {
	base *zap.Logger
}

type sourceLogger struct {
	sugar *zap.SugaredLogger
}

func newAppLogger(cfg LogConfig) (*appLogger, error) {
	level := zapcore.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "source",
		CallerKey:      "",
		FunctionKey:    "",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     utcTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		if supportsColor() {
			encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var sink zapcore.WriteSyncer
	switch out := strings.TrimSpace(cfg.OutputPath); out {
	case "", "stdout":
		sink = zapcore.AddSync(os.Stdout)
	case "stderr":
		sink = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileModePrivate)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(encoder, sink, level)
	return &appLogger{base: zap.New(core, zap.AddStacktrace(zapcore.FatalLevel))}, nil
}

func nopAppLogger() *appLogger {
	return &appLogger{base: zap.NewNop()}
}

func utcTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.UTC().Format(time.RFC3339))
}

func supportsColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(os.Getenv("TERM")))
	if term == "" || term == "dumb" {
		return false
	}
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func (l *appLogger) Source(source string) sourceLogger {
	return sourceLogger{sugar: l.base.Named(source).Sugar()}
}

func (l *appLogger) Sync() {
	_ = l.base.Sync()
}

// With returns a logger that attaches the key/value pairs to every entry.
func (l sourceLogger) With(keysAndValues ...any) sourceLogger {
	return sourceLogger{sugar: l.sugar.With(keysAndValues...)}
}

func (l sourceLogger) Debugf(format string, args ...any) {
	l.sugar.Debugf(format, args...)
}

func (l sourceLogger) Infof(format string, args ...any) {
	l.sugar.Infof(format, args...)
}

func (l sourceLogger) Warnf(format string, args ...any) {
	l.sugar.Warnf(format, args...)
}

func (l sourceLogger) Errorf(format string, args ...any) {
	l.sugar.Errorf(format, args...)
}

func (l sourceLogger) Fatalf(format string, args ...any) {
	l.sugar.Fatalf(format, args...)
}
