package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser()
	if err != nil {
		t.Fatalf("failed to create parser: %v", err)
	}
	return p
}

func TestParser_Defaults(t *testing.T) {
	cfg, err := newTestParser(t).Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}

	if cfg.Provider.ID != "local" {
		t.Errorf("expected provider id 'local', got %q", cfg.Provider.ID)
	}
	if cfg.Processors.Interval.Std() != 2*time.Second {
		t.Errorf("expected interval 2s, got %s", cfg.Processors.Interval)
	}
	if cfg.Processors.Workers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.Processors.Workers)
	}
	if cfg.Remote.Timeout.Std() != time.Minute {
		t.Errorf("expected remote timeout 1m, got %s", cfg.Remote.Timeout)
	}
	if cfg.Retry.Default != 10 {
		t.Errorf("expected retry default 10, got %d", cfg.Retry.Default)
	}
	if cfg.Catalog.Refresh.Std() != 5*time.Minute {
		t.Errorf("expected catalog refresh 5m, got %s", cfg.Catalog.Refresh)
	}
	if cfg.Store.Path != "broker.db" {
		t.Errorf("expected store path broker.db, got %q", cfg.Store.Path)
	}
	if cfg.Telemetry.LogLevel != "info" || cfg.Telemetry.LogFormat != "json" {
		t.Errorf("unexpected telemetry defaults %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.Tracing.Exporter != "none" || cfg.Telemetry.Tracing.SampleRatio != 1 {
		t.Errorf("unexpected tracing defaults %+v", cfg.Telemetry.Tracing)
	}
}

func TestParser_ParseInline(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *Broker)
	}{
		{
			name: "full config",
			content: `
provider: id: "lab"
processors: {
	interval: "500ms"
	intervals: FULFILLED: "30s"
	workers: 8
}
retry: {
	default: 5
	budget: compute: 20
}
network: default_network_id: "net-1"
clouds: [{
	name:   "aws-eu"
	driver: "aws"
	region: "eu-west-1"
	credentials: access_key_id: "AKIA"
}, {
	name:     "pve-lab"
	driver:   "proxmox"
	endpoint: "https://pve.lab:8006/api2/json"
	options: nodes: "pve1,pve2"
	resource_types: ["compute"]
}]
default_cloud: "aws-eu"
policy: {
	paths: ["/etc/broker/policies"]
	data: broker: limits: max_vcpu: 16
}
`,
			checkFunc: func(t *testing.T, cfg *Broker) {
				if cfg.Provider.ID != "lab" {
					t.Errorf("expected provider 'lab', got %q", cfg.Provider.ID)
				}
				if got := cfg.Processors.Intervals["FULFILLED"].Std(); got != 30*time.Second {
					t.Errorf("expected FULFILLED interval 30s, got %s", got)
				}
				if cfg.Retry.Budget["compute"] != 20 || cfg.Retry.Default != 5 {
					t.Errorf("unexpected retry config %+v", cfg.Retry)
				}
				if len(cfg.Clouds) != 2 {
					t.Fatalf("expected 2 clouds, got %d", len(cfg.Clouds))
				}
				if cfg.Clouds[0].Credentials["access_key_id"] != "AKIA" {
					t.Errorf("expected credentials to be decoded, got %v", cfg.Clouds[0].Credentials)
				}
				if got := cfg.Clouds[1].Option("nodes", ""); got != "pve1,pve2" {
					t.Errorf("expected nodes option, got %q", got)
				}
				if got := cfg.Clouds[1].Option("storage", "local-lvm"); got != "local-lvm" {
					t.Errorf("expected option default, got %q", got)
				}
				if cfg.Policy.Data == nil {
					t.Error("expected policy data to be decoded")
				}
			},
		},
		{
			name:    "invalid CUE syntax",
			content: "processors: {\n\tinterval: \"2s\"\n\tinvalid syntax here\n}",
			wantErr: true,
		},
		{
			name:    "duplicate cloud names",
			content: `clouds: [{name: "sim", driver: "sim"}, {name: "sim", driver: "sim"}]`,
			wantErr: true,
		},
		{
			name:    "undeclared default cloud",
			content: `default_cloud: "aws"`,
			wantErr: true,
		},
		{
			name:    "endpoint must be a URL",
			content: `clouds: [{name: "pve", driver: "proxmox", endpoint: "not a url"}]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := newTestParser(t).ParseInline(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInline() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var verrs ValidationErrors
				if !errors.As(err, &verrs) || len(verrs) == 0 {
					t.Errorf("expected ValidationErrors, got %T", err)
				}
				return
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, cfg)
			}
		})
	}
}

func TestParser_LoadUnifiesFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.cue")
	site := filepath.Join(dir, "site.cue")
	if err := os.WriteFile(base, []byte(`clouds: [{name: "sim", driver: "sim"}]
default_cloud: "sim"
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(site, []byte(`store: path: "/var/lib/broker.db"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := newTestParser(t).Load(context.Background(), base, site)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DefaultCloud != "sim" || cfg.Store.Path != "/var/lib/broker.db" {
		t.Errorf("expected both files to contribute, got %+v", cfg)
	}
}

func TestParser_LoadConflict(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.cue")
	b := filepath.Join(dir, "b.cue")
	_ = os.WriteFile(a, []byte(`store: path: "a.db"`), 0o644)
	_ = os.WriteFile(b, []byte(`store: path: "b.db"`), 0o644)

	_, err := newTestParser(t).Load(context.Background(), a, b)
	if err == nil {
		t.Fatal("expected conflicting values to fail")
	}
	if !strings.Contains(err.Error(), "store") {
		t.Errorf("expected the error to name the conflicting path, got %v", err)
	}
}

func TestParser_LoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broker.cue"), []byte(`package broker

provider: id: "dir"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := newTestParser(t).Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Provider.ID != "dir" {
		t.Errorf("expected provider 'dir', got %q", cfg.Provider.ID)
	}
}

func TestParser_LoadMissingFile(t *testing.T) {
	if _, err := newTestParser(t).Load(context.Background(), "/nonexistent/broker.cue"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestValidationErrorString(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{File: "a.cue", Line: 3, Column: 2, Message: "bad"}, "a.cue:3:2: bad"},
		{ValidationError{Path: "default_cloud", Message: "bad"}, "default_cloud: bad"},
		{ValidationError{Message: "bad"}, "bad"},
	}
	for _, tt := range tests {
		if got := tt.err.String(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}
