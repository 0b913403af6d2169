package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRego = `# Sends everything to the lab cluster
package broker.placement.lab

placement := {"cloud": "pve-lab"}
`

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestLoadFile(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "lab.rego", testRego)

	policies, err := newTestLoader().LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}
	p := policies[0]
	if p.Name != "lab" {
		t.Errorf("Expected name 'lab', got '%s'", p.Name)
	}
	if p.Rego != testRego {
		t.Error("Rego content doesn't match")
	}
	if p.Description != "Sends everything to the lab cluster" {
		t.Errorf("Unexpected description %q", p.Description)
	}
	if p.Source != path {
		t.Errorf("Expected source %s, got %s", path, p.Source)
	}
	if !p.Enabled {
		t.Error("Policy should be enabled by default")
	}
}

func TestLoadDirectoryNamesNestedPolicies(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "tenants")
	if err := os.Mkdir(nested, 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	writePolicy(t, dir, "route.rego", "package route\n")
	writePolicy(t, nested, "route.rego", "package tenants.route\n")
	writePolicy(t, dir, "README.md", "not a policy")

	policies, err := newTestLoader().LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if len(policies) != 2 || !names["route"] || !names["tenants.route"] {
		t.Errorf("Expected route and tenants.route, got %v", names)
	}
}

func TestLoadMissingPath(t *testing.T) {
	if _, err := newTestLoader().LoadFromPaths(context.Background(), []string{"/nonexistent/policies"}); err == nil {
		t.Error("Expected an error for a missing path")
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		description string
		enabled     bool
	}{
		{"single line comment", "# Test policy\npackage test", "Test policy", true},
		{"multi line comments", "# A test policy\n# on two lines\npackage test", "A test policy on two lines", true},
		{"no comments", "package test\n", "", true},
		{"empty comment lines", "# First line\n#\n# Second line\npackage test", "First line Second line", true},
		{"disabled", "# Parked\n# enabled: false\npackage test", "Parked", false},
		{"blank line ends header", "# Header\n\n# not part of it\npackage test", "Header", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			description, enabled := parseHeader(tt.content)
			if description != tt.description {
				t.Errorf("Expected description '%s', got '%s'", tt.description, description)
			}
			if enabled != tt.enabled {
				t.Errorf("Expected enabled=%v, got %v", tt.enabled, enabled)
			}
		})
	}
}

func TestLoadRereadsChangedFile(t *testing.T) {
	loader := newTestLoader()
	path := writePolicy(t, t.TempDir(), "cached.rego", "package cached\n")

	first, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if first[0].Description != "" {
		t.Fatalf("Unexpected description %q", first[0].Description)
	}

	writePolicy(t, filepath.Dir(path), "cached.rego", "# changed\npackage cached\n")
	second, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if second[0].Description != "changed" {
		t.Errorf("Expected the changed file to be re-read, got %q", second[0].Description)
	}
}

func TestWatchReloadsEngine(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "route.rego", "package route\n\nplacement := {\"cloud\": \"a\"}\n")

	eng := newTestEngine(t, WithoutBuiltins())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writePolicy(t, dir, "route.rego", "package route\n\nplacement := {\"cloud\": \"b\"}\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p, err := eng.Place(ctx, computeOrder("web", 1, 512), []string{"a", "b"})
		if err == nil && p.Cloud == "b" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected the engine to pick up the changed policy")
}
