package broker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedOrder is one entry of an order seed file. Other entries refer to it
// as "@name" wherever an order id is expected.
//
//	orders:
//	  - name: net
//	    spec:
//	      user: {id: ops}
//	      resource:
//	        network: {cidr: 10.0.0.0/24}
//	  - spec:
//	      user: {id: ops}
//	      resource:
//	        compute: {vcpu: 2, memory_mb: 2048, image_id: img, network_ids: ["@net"]}
type SeedOrder struct {
	Name string    `yaml:"name,omitempty"`
	Spec OrderSpec `yaml:"spec"`
}

type seedFile struct {
	Orders []SeedOrder `yaml:"orders"`
}

// LoadSeedFile reads a YAML seed file.
func LoadSeedFile(path string) ([]SeedOrder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return f.Orders, nil
}

// SubmitSeed submits seeds in file order, resolving "@name" references to
// the ids of earlier entries. It stops at the first rejected entry and
// returns the ids submitted so far by name.
func (s *Service) SubmitSeed(ctx context.Context, seeds []SeedOrder) (map[string]string, error) {
	ids := make(map[string]string, len(seeds))
	for i, seed := range seeds {
		spec := seed.Spec
		if err := resolveSeedRefs(&spec, ids); err != nil {
			return ids, fmt.Errorf("seed entry %d: %w", i, err)
		}
		id, err := s.SubmitOrder(ctx, spec)
		if err != nil {
			return ids, fmt.Errorf("seed entry %d: %w", i, err)
		}
		if seed.Name != "" {
			if _, dup := ids[seed.Name]; dup {
				return ids, fmt.Errorf("seed entry %d: name %q used twice", i, seed.Name)
			}
			ids[seed.Name] = id
		}
	}
	return ids, nil
}

// resolveSeedRefs rewrites the id fields of spec in place. The resource
// pointers are copied first so the caller's seed is left untouched.
func resolveSeedRefs(spec *OrderSpec, ids map[string]string) error {
	var err error
	resolve := func(ref *string) {
		if err != nil || !strings.HasPrefix(*ref, "@") {
			return
		}
		id, ok := ids[strings.TrimPrefix(*ref, "@")]
		if !ok {
			err = fmt.Errorf("unknown reference %s", *ref)
			return
		}
		*ref = id
	}

	r := &spec.Resource
	if r.Compute != nil {
		c := *r.Compute
		c.NetworkIDs = append([]string(nil), c.NetworkIDs...)
		for i := range c.NetworkIDs {
			resolve(&c.NetworkIDs[i])
		}
		r.Compute = &c
	}
	if r.PublicIP != nil {
		p := *r.PublicIP
		resolve(&p.ComputeOrderID)
		r.PublicIP = &p
	}
	if r.Attachment != nil {
		a := *r.Attachment
		resolve(&a.SourceOrderID)
		resolve(&a.TargetOrderID)
		r.Attachment = &a
	}
	return err
}
