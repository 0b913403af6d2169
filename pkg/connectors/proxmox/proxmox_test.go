package proxmox

import (
	"context"
	"errors"
	"sync"
	"testing"

	proxmoxapi "github.com/luthermonson/go-proxmox"

	"github.com/openfroyo/broker/pkg/engine"
)

type fakeAPI struct {
	mu       sync.Mutex
	nodes    []NodeUsage
	vms      map[string]*VM
	startErr error
	calls    []string
	created  []proxmoxapi.VirtualMachineOption
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		nodes: []NodeUsage{
			{Name: "pve1", MaxMem: 8 << 30, Mem: 6 << 30, CPU: 0.2},
			{Name: "pve2", MaxMem: 16 << 30, Mem: 2 << 30, CPU: 0.4},
		},
		vms: make(map[string]*VM),
	}
}

func (f *fakeAPI) factory() ClientFactory {
	return func(ctx context.Context, creds engine.Credentials) (API, error) { return f, nil }
}

func (f *fakeAPI) Nodes(ctx context.Context) ([]NodeUsage, error) { return f.nodes, nil }

func (f *fakeAPI) VMIDs(ctx context.Context) ([]uint64, error) { return []uint64{100, 101}, nil }

func (f *fakeAPI) CreateVM(ctx context.Context, node string, vmid int, opts []proxmoxapi.VirtualMachineOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create")
	f.created = opts
	f.vms[formatID(node, vmid)] = &VM{Name: "vm", Status: StatusStopped, Tags: managedTag, CPUs: 2, MaxMem: 2 << 30}
	return nil
}

func (f *fakeAPI) StartVM(ctx context.Context, node string, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	if f.startErr != nil {
		return f.startErr
	}
	f.vms[formatID(node, vmid)].Status = StatusRunning
	return nil
}

func (f *fakeAPI) StopVM(ctx context.Context, node string, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	f.vms[formatID(node, vmid)].Status = StatusStopped
	return nil
}

func (f *fakeAPI) DeleteVM(ctx context.Context, node string, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete")
	delete(f.vms, formatID(node, vmid))
	return nil
}

func (f *fakeAPI) VM(ctx context.Context, node string, vmid int) (*VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[formatID(node, vmid)]
	if !ok {
		return nil, errors.New("Configuration file 'nodes/pve/qemu-server/1.conf' does not exist")
	}
	cp := *vm
	return &cp, nil
}

func request() engine.InstanceRequest {
	return engine.InstanceRequest{
		Order: engine.OrderView{ID: "o-1", Spec: engine.ResourceSpec{Compute: &engine.ComputeSpec{
			VCPU: 2, MemoryMB: 1024, DiskGB: 20, ImageID: "local:iso/debian.qcow2",
			PublicKey: "ssh-ed25519 AAAA user@host",
		}}},
		Flavor: &engine.Flavor{ID: "small", VCPU: 2, MemoryMB: 2048, DiskGB: 10},
	}
}

func TestComputeLifecycle(t *testing.T) {
	fake := newFakeAPI()
	conn := NewComputeConnector(Config{Clients: fake.factory()})
	ctx := context.Background()

	id, err := conn.RequestInstance(ctx, request(), engine.Credentials{})
	if err != nil {
		t.Fatalf("RequestInstance failed: %v", err)
	}
	node, vmid, err := parseID(id)
	if err != nil || node != "pve2" || vmid < int(DefaultVMIDRange.Lower) {
		t.Errorf("Unexpected instance id %q", id)
	}

	inst, err := conn.GetInstance(ctx, id, engine.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	if !conn.IsReady(inst.CloudState) {
		t.Errorf("Expected running guest to be ready, got %s", inst.CloudState)
	}

	var disk, keys string
	for _, o := range fake.created {
		switch o.Name {
		case "scsi0":
			disk = o.Value.(string)
		case "sshkeys":
			keys = o.Value.(string)
		}
	}
	if disk != "local-lvm:20,import-from=local:iso/debian.qcow2" {
		t.Errorf("Unexpected boot disk %q", disk)
	}
	if keys != "ssh-ed25519%20AAAA%20user%40host" {
		t.Errorf("Unexpected sshkeys %q", keys)
	}

	if err := conn.DeleteInstance(ctx, id, engine.Credentials{}); err != nil {
		t.Fatalf("DeleteInstance failed: %v", err)
	}
	if _, err := conn.GetInstance(ctx, id, engine.Credentials{}); !engine.IsInstanceNotFound(err) {
		t.Errorf("Expected deleted guest to be not found, got %v", err)
	}
	if err := conn.DeleteInstance(ctx, id, engine.Credentials{}); err != nil {
		t.Errorf("Expected second delete to succeed, got %v", err)
	}
}

func TestStartFailureDeletesGuest(t *testing.T) {
	fake := newFakeAPI()
	fake.startErr = errors.New("connection reset by peer")
	conn := NewComputeConnector(Config{Clients: fake.factory()})

	_, err := conn.RequestInstance(context.Background(), request(), engine.Credentials{})
	if !engine.IsRecoverable(err) {
		t.Fatalf("Expected recoverable error, got %v", err)
	}
	if len(fake.vms) != 0 {
		t.Errorf("Expected created guest to be deleted, %d left", len(fake.vms))
	}
	if got := fake.calls; len(got) != 3 || got[2] != "delete" {
		t.Errorf("Expected create, start, delete; got %v", got)
	}
}

func TestNoNodeFits(t *testing.T) {
	fake := newFakeAPI()
	conn := NewComputeConnector(Config{Clients: fake.factory(), Nodes: []string{"pve1"}})
	req := request()
	req.Flavor.MemoryMB = 4096

	if _, err := conn.RequestInstance(context.Background(), req, engine.Credentials{}); !engine.IsNoAvailableResources(err) {
		t.Errorf("Expected no available resources, got %v", err)
	}
}

func TestUserDataUnsupported(t *testing.T) {
	conn := NewComputeConnector(Config{Clients: newFakeAPI().factory()})
	req := request()
	req.UserData = "#cloud-config\n"

	if _, err := conn.RequestInstance(context.Background(), req, engine.Credentials{}); !engine.IsTerminal(err) {
		t.Errorf("Expected terminal error, got %v", err)
	}
}

func TestDeleteRefusesUnmanagedGuest(t *testing.T) {
	fake := newFakeAPI()
	fake.vms["pve1/100"] = &VM{Name: "db", Status: StatusRunning, Tags: "prod"}
	conn := NewComputeConnector(Config{Clients: fake.factory()})

	if err := conn.DeleteInstance(context.Background(), "pve1/100", engine.Credentials{}); !engine.IsTerminal(err) {
		t.Errorf("Expected refusal, got %v", err)
	}
	if _, ok := fake.vms["pve1/100"]; !ok {
		t.Error("Expected unmanaged guest to survive")
	}
}

func TestPickVMID(t *testing.T) {
	id, err := pickVMID([]uint64{10, 11}, VMIDRange{Lower: 10, Upper: 12})
	if err != nil || id != 12 {
		t.Errorf("Expected 12, got %d (%v)", id, err)
	}
	if _, err := pickVMID([]uint64{10, 11, 12}, VMIDRange{Lower: 10, Upper: 12}); err == nil {
		t.Error("Expected exhausted range to fail")
	}
}

func TestPickNode(t *testing.T) {
	nodes := []NodeUsage{
		{Name: "a", MaxMem: 4 << 30, Mem: 1 << 30},
		{Name: "b", MaxMem: 4 << 30, Mem: 1 << 30},
		{Name: "busy", MaxMem: 64 << 30, CPU: 0.99},
	}
	tests := []struct {
		name    string
		allowed []string
		need    uint64
		want    string
		ok      bool
	}{
		{"tie goes to smallest name", nil, 1024, "a", true},
		{"allow list", []string{"b"}, 1024, "b", true},
		{"too large", nil, 8192, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickNode(nodes, tt.allowed, tt.need)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Expected %q/%v, got %q/%v", tt.want, tt.ok, got, ok)
			}
		})
	}
}
