package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
)

// Logger is the process logger. Broker components receive the zerolog
// loggers it derives, never the Logger itself.
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

// NewLogger opens cfg.Output and builds a logger writing to it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	switch cfg.Output {
	case "stdout":
		return NewWriterLogger(os.Stdout, cfg), nil
	case "stderr", "":
		return NewWriterLogger(os.Stderr, cfg), nil
	}
	file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l := NewWriterLogger(file, cfg)
	l.closer = file
	return l, nil
}

// NewWriterLogger builds a logger writing to w. An invalid level falls back
// to info.
func NewWriterLogger(w io.Writer, cfg LoggingConfig) *Logger {
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return &Logger{zlog: ctx.Logger()}
}

// Zerolog returns the root logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Component returns a child logger tagged with component.
func (l *Logger) Component(component string) zerolog.Logger {
	return l.zlog.With().Str("component", component).Logger()
}

// Order returns a child logger carrying the identifying fields of o.
func (l *Logger) Order(o engine.OrderView) zerolog.Logger {
	ctx := l.zlog.With().
		Str("order_id", o.ID).
		Str("resource_type", string(o.Type)).
		Str("state", string(o.State))
	if o.Cloud != "" {
		ctx = ctx.Str("cloud", o.Cloud)
	}
	return ctx.Logger()
}

// Close releases the log file, if the logger writes to one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
