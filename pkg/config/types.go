package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Cloud drivers.
const (
	DriverAWS     = "aws"
	DriverProxmox = "proxmox"
	DriverSim     = "sim"
)

// Broker is the complete broker configuration.
type Broker struct {
	Provider     ProviderConfig   `json:"provider"`
	Processors   ProcessorsConfig `json:"processors"`
	Remote       RemoteConfig     `json:"remote"`
	Retry        RetryConfig      `json:"retry"`
	Catalog      CatalogConfig    `json:"catalog"`
	Network      NetworkConfig    `json:"network"`
	Clouds       []CloudConfig    `json:"clouds" validate:"dive"`
	DefaultCloud string           `json:"default_cloud"`
	Store        StoreConfig      `json:"store"`
	Policy       PolicyConfig     `json:"policy"`
	Telemetry    TelemetryConfig  `json:"telemetry"`
}

// ProviderConfig identifies the local provider.
type ProviderConfig struct {
	// ID is given to orders that name no requesting or providing provider.
	ID string `json:"id" validate:"required"`
}

// ProcessorsConfig tunes the state processors.
type ProcessorsConfig struct {
	// Interval is the polling interval of every state without its own.
	Interval Duration `json:"interval" validate:"required"`

	// Intervals overrides the interval per state name.
	Intervals map[string]Duration `json:"intervals,omitempty"`

	// Workers bounds concurrent order handling per state.
	Workers int `json:"workers" validate:"min=1,max=256"`
}

// RemoteConfig bounds calls to clouds.
type RemoteConfig struct {
	Timeout Duration `json:"timeout" validate:"required"`
}

// RetryConfig holds the recoverable-failure budgets per resource type.
type RetryConfig struct {
	Default int            `json:"default" validate:"min=0"`
	Budget  map[string]int `json:"budget,omitempty"`
}

// CatalogConfig locates the local flavor catalog.
type CatalogConfig struct {
	Path    string   `json:"path,omitempty"`
	Refresh Duration `json:"refresh" validate:"required"`
}

// NetworkConfig holds network defaults for compute orders.
type NetworkConfig struct {
	DefaultNetworkID string `json:"default_network_id,omitempty"`
	DefaultSubnetID  string `json:"default_subnet_id,omitempty"`
}

// CloudConfig declares one cloud and the driver that serves it.
type CloudConfig struct {
	Name             string            `json:"name" validate:"required,hostname_rfc1123"`
	Driver           string            `json:"driver" validate:"required,oneof=aws proxmox sim"`
	Region           string            `json:"region,omitempty"`
	Endpoint         string            `json:"endpoint,omitempty" validate:"omitempty,url"`
	AvailabilityZone string            `json:"availability_zone,omitempty"`
	Credentials      map[string]string `json:"credentials,omitempty"`
	Options          map[string]string `json:"options,omitempty"`

	// ResourceTypes limits the resource types served. Empty means every
	// type the driver supports.
	ResourceTypes []string `json:"resource_types,omitempty" validate:"dive,oneof=compute network volume public_ip attachment"`
}

// Option returns a driver option or def when unset.
func (c CloudConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// StoreConfig locates the order database.
type StoreConfig struct {
	Path string `json:"path" validate:"required"`
}

// PolicyConfig configures placement policies.
type PolicyConfig struct {
	// Paths are Rego files or directories.
	Paths []string `json:"paths,omitempty"`

	// Watch reloads policies when their files change.
	Watch bool `json:"watch"`

	// Data is exposed to policies under `data`.
	Data map[string]interface{} `json:"data,omitempty"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel    string        `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string        `json:"log_format" validate:"oneof=json console"`
	MetricsAddr string        `json:"metrics_addr,omitempty"`
	Tracing     TracingConfig `json:"tracing"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter    string  `json:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint    string  `json:"endpoint,omitempty"`
	SampleRatio float64 `json:"sample_ratio" validate:"min=0,max=1"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path of the error (e.g., "clouds.0.driver").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var loc string
	switch {
	case e.File != "" && e.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", e.File, e.Line, e.Column)
	case e.Path != "":
		loc = e.Path + ": "
	}
	return loc + e.Message
}

// ValidationErrors is returned when a configuration is rejected.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
