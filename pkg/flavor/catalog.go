// Package flavor selects the smallest hardware offering that satisfies a
// compute order.
//
// A Catalog is an immutable, sorted snapshot of a cloud's flavors. A Matcher
// holds the current snapshot of one cloud and swaps in new ones atomically, so
// a match always runs against a single consistent catalog.
package flavor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/broker/pkg/engine"
)

// Requirements are the minimums a flavor must meet.
type Requirements struct {
	VCPU     int
	MemoryMB int
	DiskGB   int

	// Tags must all be present on the flavor with the same value.
	// Keys not listed are wildcards.
	Tags map[string]string
}

// RequirementsFor derives matching requirements from a compute spec.
func RequirementsFor(spec *engine.ComputeSpec) *Requirements {
	if spec == nil {
		return nil
	}
	return &Requirements{
		VCPU:     spec.VCPU,
		MemoryMB: spec.MemoryMB,
		DiskGB:   spec.DiskGB,
		Tags:     spec.Requirements,
	}
}

func (r *Requirements) String() string {
	if r == nil {
		return "any"
	}
	s := fmt.Sprintf("vcpu>=%d memory>=%dMB disk>=%dGB", r.VCPU, r.MemoryMB, r.DiskGB)
	if len(r.Tags) > 0 {
		keys := make([]string, 0, len(r.Tags))
		for k := range r.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s += fmt.Sprintf(" %s=%s", k, r.Tags[k])
		}
	}
	return s
}

// Satisfies reports whether f meets r. A nil r is satisfied by every flavor.
func (r *Requirements) Satisfies(f engine.Flavor) bool {
	if r == nil {
		return true
	}
	if f.VCPU < r.VCPU || f.MemoryMB < r.MemoryMB || f.DiskGB < r.DiskGB {
		return false
	}
	for k, want := range r.Tags {
		got, ok := f.Requirements[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Less orders flavors by size: vCPU, then memory, then disk, then id.
func Less(a, b engine.Flavor) bool {
	if a.VCPU != b.VCPU {
		return a.VCPU < b.VCPU
	}
	if a.MemoryMB != b.MemoryMB {
		return a.MemoryMB < b.MemoryMB
	}
	if a.DiskGB != b.DiskGB {
		return a.DiskGB < b.DiskGB
	}
	return strings.Compare(a.ID, b.ID) < 0
}

// Catalog is an immutable, sorted set of flavors.
type Catalog struct {
	flavors []engine.Flavor
}

// NewCatalog copies and sorts flavors. Later entries replace earlier entries
// with the same id.
func NewCatalog(flavors []engine.Flavor) *Catalog {
	byID := make(map[string]int, len(flavors))
	merged := make([]engine.Flavor, 0, len(flavors))
	for _, f := range flavors {
		f.Requirements = copyTags(f.Requirements)
		if i, ok := byID[f.ID]; ok {
			merged[i] = f
			continue
		}
		byID[f.ID] = len(merged)
		merged = append(merged, f)
	}
	sort.SliceStable(merged, func(i, j int) bool { return Less(merged[i], merged[j]) })
	return &Catalog{flavors: merged}
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// Len returns the number of flavors.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.flavors)
}

// Flavors returns the sorted flavors.
func (c *Catalog) Flavors() []engine.Flavor {
	if c == nil {
		return nil
	}
	out := make([]engine.Flavor, len(c.flavors))
	copy(out, c.flavors)
	return out
}

// Candidates returns every flavor satisfying req, smallest first.
func (c *Catalog) Candidates(req *Requirements) []engine.Flavor {
	if c == nil {
		return nil
	}
	var out []engine.Flavor
	for _, f := range c.flavors {
		if req.Satisfies(f) {
			out = append(out, f)
		}
	}
	return out
}

// Match returns the smallest flavor satisfying req.
func (c *Catalog) Match(req *Requirements) (*engine.Flavor, error) {
	if c != nil {
		for _, f := range c.flavors {
			if req.Satisfies(f) {
				f.Requirements = copyTags(f.Requirements)
				return &f, nil
			}
		}
	}
	return nil, engine.NewNoMatchingFlavorError(fmt.Sprintf("no flavor satisfies %s among %d offerings", req, c.Len()))
}
