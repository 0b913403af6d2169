package telemetry

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/broker/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:   "empty level means info",
			mutate: func(c *Config) { c.Logging.Level = "" },
		},
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.ServiceName = "" },
			wantErr: "service name",
		},
		{
			name:    "bad level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid log format",
		},
		{
			name:    "otlp without endpoint",
			mutate:  func(c *Config) { c.Tracing.Exporter = ExporterOTLP },
			wantErr: "endpoint",
		},
		{
			name:    "unknown exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "zipkin" },
			wantErr: "invalid trace exporter",
		},
		{
			name:    "sample ratio out of range",
			mutate:  func(c *Config) { c.Tracing.SampleRatio = 1.5 },
			wantErr: "sample ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})

	zl := logger.Zerolog()
	zl.Info().Msg("hidden")
	zl.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected info line to be dropped, got %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("Expected warn line, got %s", out)
	}
}

func TestOrderLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LoggingConfig{Level: "debug", Format: "json"})

	zl := logger.Order(engine.OrderView{ID: "ord-9", Type: engine.ResourceTypeVolume, State: engine.OrderStateSpawning})
	zl.Debug().Msg("polled")

	out := buf.String()
	for _, want := range []string{`"order_id":"ord-9"`, `"resource_type":"volume"`, `"state":"SPAWNING"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
	if strings.Contains(out, `"cloud"`) {
		t.Errorf("Expected no cloud field for an unplaced order, got %s", out)
	}
}

func TestFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	zl := logger.Component("store")
	zl.Info().Msg("flushed")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"component":"store"`) {
		t.Errorf("Expected component field, got %s", data)
	}
}

func TestNoneTracerIsNoop(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Exporter: ExporterNone}, "test", "dev")
	if err != nil {
		t.Fatalf("Failed to create tracer: %v", err)
	}
	_, span := tr.Tracer().Start(context.Background(), "noop")
	defer span.End()

	if span.SpanContext().IsValid() {
		t.Error("Expected a no-op span")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error on shutdown, got %v", err)
	}
}

func TestStdoutTracerRecordsSpans(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Exporter: ExporterStdout, SampleRatio: 1}, "test", "dev")
	if err != nil {
		t.Fatalf("Failed to create tracer: %v", err)
	}
	defer tr.Shutdown(context.Background())

	_, span := tr.Tracer().Start(context.Background(), "processor.OPEN")
	defer span.End()

	if !span.SpanContext().IsValid() {
		t.Error("Expected a sampled span")
	}
}
