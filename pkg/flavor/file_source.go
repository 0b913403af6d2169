package flavor

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/broker/pkg/engine"
)

// File is the on-disk catalog format. It lists, per cloud, offerings that
// cannot be discovered through the cloud's API.
//
//	clouds:
//	  sim:
//	    - name: small
//	      id: sim.small
//	      vcpu: 2
//	      memory_mb: 2048
//	      disk_gb: 20
//	      requirements:
//	        storage: ssd
type File struct {
	Clouds map[string][]engine.Flavor `yaml:"clouds"`
}

// LoadFile reads a catalog file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flavor catalog: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse flavor catalog %s: %w", path, err)
	}
	for cloud, flavors := range f.Clouds {
		for i, fl := range flavors {
			if fl.ID == "" {
				return nil, fmt.Errorf("flavor catalog %s: cloud %s entry %d has no id", path, cloud, i)
			}
			if fl.VCPU <= 0 || fl.MemoryMB <= 0 {
				return nil, fmt.Errorf("flavor catalog %s: flavor %s needs positive vcpu and memory_mb", path, fl.ID)
			}
			if fl.Name == "" {
				f.Clouds[cloud][i].Name = fl.ID
			}
		}
	}
	return &f, nil
}

// FileSource serves one cloud's section of a catalog file. The file is
// re-read on every call so edits are picked up by the next refresh.
type FileSource struct {
	Path  string
	Cloud string
}

// ListFlavors implements engine.FlavorSource. A missing file yields no flavors.
func (s FileSource) ListFlavors(ctx context.Context) ([]engine.Flavor, error) {
	if s.Path == "" {
		return nil, nil
	}
	if _, err := os.Stat(s.Path); os.IsNotExist(err) {
		return nil, nil
	}
	f, err := LoadFile(s.Path)
	if err != nil {
		return nil, err
	}
	return f.Clouds[s.Cloud], nil
}

// StaticSource serves a fixed list of flavors.
type StaticSource []engine.Flavor

// ListFlavors implements engine.FlavorSource.
func (s StaticSource) ListFlavors(ctx context.Context) ([]engine.Flavor, error) {
	out := make([]engine.Flavor, len(s))
	copy(out, s)
	return out, nil
}
