package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{
			name:    "valid",
			content: `clouds: [{name: "sim", driver: "sim"}]` + "\n" + `default_cloud: "sim"`,
			want:    "1 cloud(s)",
		},
		{
			name:    "unknown driver",
			content: `clouds: [{name: "x", driver: "openstack"}]`,
			wantErr: true,
		},
		{
			name:    "undeclared default cloud",
			content: `default_cloud: "aws"`,
			want:    "default_cloud",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "broker.cue", tt.content)
			out, err := run(t, "config", "validate", path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v (output %q)", tt.wantErr, err, out)
			}
			if tt.want != "" && !strings.Contains(out, tt.want) {
				t.Errorf("Expected output to contain %q, got %q", tt.want, out)
			}
		})
	}
}

const testCatalog = `clouds:
  lab:
    - {id: lab.small, vcpu: 2, memory_mb: 2048, disk_gb: 20}
    - {id: lab.big, vcpu: 8, memory_mb: 16384, disk_gb: 100, requirements: {storage: ssd}}
`

func TestCatalogMatchCommand(t *testing.T) {
	path := writeFile(t, "flavors.yaml", testCatalog)

	out, err := run(t, "catalog", "match", path, "--cloud", "lab", "--vcpu", "2")
	if err != nil {
		t.Fatalf("catalog match failed: %v", err)
	}
	if !strings.HasPrefix(out, "lab.small") {
		t.Errorf("Expected lab.small, got %q", out)
	}

	out, err = run(t, "catalog", "match", path, "--cloud", "lab", "--require", "storage=ssd")
	if err != nil {
		t.Fatalf("catalog match failed: %v", err)
	}
	if !strings.HasPrefix(out, "lab.big") {
		t.Errorf("Expected lab.big, got %q", out)
	}

	if _, err := run(t, "catalog", "match", path, "--cloud", "lab", "--vcpu", "64"); err == nil {
		t.Error("Expected no match for 64 vCPUs")
	}
	if _, err := run(t, "catalog", "match", path, "--cloud", "other"); err == nil {
		t.Error("Expected an error for a cloud missing from the catalog")
	}
}

func TestOrdersListEmptyStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "broker.cue")
	content := `store: path: "` + filepath.Join(dir, "broker.db") + `"`
	if err := os.WriteFile(cfgPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "orders", "list", "-c", cfgPath)
	if err != nil {
		t.Fatalf("orders list failed: %v", err)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Errorf("Expected a header line, got %q", out)
	}

	if _, err := run(t, "orders", "list", "-c", cfgPath, "--state", "BOGUS"); err == nil {
		t.Error("Expected an error for an unknown state")
	}
}

func TestSelectCloud(t *testing.T) {
	cfg, err := loadConfig(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := selectCloud(cfg, "aws"); err == nil {
		t.Error("Expected an error for an undeclared cloud")
	}
	if err := selectCloud(cfg, "sim"); err != nil {
		t.Fatalf("selectCloud failed: %v", err)
	}
	if len(cfg.Clouds) != 1 || cfg.Clouds[0].Driver != "sim" || cfg.DefaultCloud != "sim" {
		t.Errorf("Expected a declared default sim cloud, got %+v default %q", cfg.Clouds, cfg.DefaultCloud)
	}
	if err := selectCloud(cfg, "sim"); err != nil || len(cfg.Clouds) != 1 {
		t.Errorf("Expected selecting sim twice to keep one cloud, got %d (%v)", len(cfg.Clouds), err)
	}
}
