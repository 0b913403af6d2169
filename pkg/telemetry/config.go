package telemetry

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Trace exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config holds the observability settings of one broker process.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is a zerolog level name. Empty means info.
	Level string

	// Format is "json" or "console".
	Format string

	// Output is "stdout", "stderr" or a file path the log is appended to.
	Output string

	// Caller adds file:line to every line.
	Caller bool
}

// TracingConfig configures span export. ExporterNone hands out no-op spans.
type TracingConfig struct {
	Exporter string

	// Endpoint is the OTLP collector address, e.g. "otel-collector:4317".
	Endpoint string

	// Insecure dials the collector without TLS.
	Insecure bool

	// SampleRatio is the share of root spans kept, 0 to 1.
	SampleRatio float64

	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus registry and its endpoint.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path when set. Without it the metrics are still
	// collected and can be read through Registry or Handler.
	ListenAddress string
	Path          string

	Namespace string

	// Buckets are the latency histogram buckets in seconds.
	Buckets []float64
}

// DefaultConfig returns the settings a broker starts from.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "froyo-broker",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      ExporterNone,
			Insecure:      true,
			SampleRatio:   1,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "broker",
			Buckets:       []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	}
}

// Validate checks the settings NewTelemetry relies on.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (want json or console)", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "", ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("the otlp trace exporter needs an endpoint")
		}
	default:
		return fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("trace sample ratio must be between 0 and 1, got %g", c.Tracing.SampleRatio)
	}
	return nil
}

// parseLevel maps a level name to zerolog, defaulting to info.
func parseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}
