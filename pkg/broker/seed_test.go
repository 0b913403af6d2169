package broker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/broker/pkg/engine"
)

const testSeed = `orders:
  - name: net
    spec:
      user: {id: ops}
      resource:
        network: {cidr: 10.0.0.0/24}
  - name: vm
    spec:
      user: {id: ops}
      resource:
        compute:
          vcpu: 1
          memory_mb: 512
          image_id: img
          network_ids: ["@net"]
  - spec:
      user: {id: ops}
      resource:
        public_ip: {compute_order_id: "@vm"}
`

func TestSubmitSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(testSeed), 0o600); err != nil {
		t.Fatal(err)
	}
	seeds, err := LoadSeedFile(path)
	if err != nil {
		t.Fatalf("LoadSeedFile failed: %v", err)
	}
	if len(seeds) != 3 {
		t.Fatalf("Expected 3 seeds, got %d", len(seeds))
	}

	svc, reg, _, _ := newTestService(t)
	ids, err := svc.SubmitSeed(context.Background(), seeds)
	if err != nil {
		t.Fatalf("SubmitSeed failed: %v", err)
	}
	if reg.Len() != 3 {
		t.Errorf("Expected 3 registered orders, got %d", reg.Len())
	}

	vm, err := svc.GetOrder(ids["vm"])
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got := vm.Spec.Compute.NetworkIDs; len(got) != 1 || got[0] != ids["net"] {
		t.Errorf("Expected network reference resolved to %s, got %v", ids["net"], got)
	}
	if seeds[1].Spec.Resource.Compute.NetworkIDs[0] != "@net" {
		t.Error("Expected the seed itself to keep its reference")
	}

	ips, err := svc.ListOrders(engine.OrderStateOpen)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, o := range ips {
		if o.Type == engine.ResourceTypePublicIP && o.Spec.PublicIP.ComputeOrderID == ids["vm"] {
			found = true
		}
	}
	if !found {
		t.Error("Expected the public ip order to reference the compute order")
	}
}

func TestSubmitSeedUnknownReference(t *testing.T) {
	svc, reg, _, _ := newTestService(t)
	seeds := []SeedOrder{{
		Spec: OrderSpec{
			User: engine.User{ID: "ops"},
			Resource: engine.ResourceSpec{
				PublicIP: &engine.PublicIPSpec{ComputeOrderID: "@missing"},
			},
		},
	}}
	if _, err := svc.SubmitSeed(context.Background(), seeds); err == nil {
		t.Fatal("Expected an error for an unknown reference")
	}
	if reg.Len() != 0 {
		t.Errorf("Expected nothing registered, got %d orders", reg.Len())
	}
}
