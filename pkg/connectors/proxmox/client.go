// Package proxmox provisions compute orders as QEMU virtual machines on a
// Proxmox VE cluster.
package proxmox

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sort"
	"strconv"
	"sync"

	proxmoxapi "github.com/luthermonson/go-proxmox"

	"github.com/openfroyo/broker/pkg/engine"
)

// Credential keys read from engine.Credentials.
const (
	CredTokenID               = "token_id"
	CredSecret                = "secret"
	CredInsecureSkipTLSVerify = "insecure_skip_tls_verify"
)

// NodeUsage is the utilization snapshot of one cluster node.
type NodeUsage struct {
	Name   string
	MaxMem uint64
	Mem    uint64
	CPU    float64
}

// VM is the status of one virtual machine.
type VM struct {
	Name    string
	Status  string
	CPUs    int
	MaxMem  uint64
	MaxDisk uint64
	Tags    string
}

// API is the subset of the Proxmox API the connector uses.
type API interface {
	Nodes(ctx context.Context) ([]NodeUsage, error)
	VMIDs(ctx context.Context) ([]uint64, error)
	CreateVM(ctx context.Context, node string, vmid int, opts []proxmoxapi.VirtualMachineOption) error
	StartVM(ctx context.Context, node string, vmid int) error
	StopVM(ctx context.Context, node string, vmid int) error
	DeleteVM(ctx context.Context, node string, vmid int) error
	VM(ctx context.Context, node string, vmid int) (*VM, error)
}

// ClientFactory returns an API client for a set of credentials.
type ClientFactory func(ctx context.Context, creds engine.Credentials) (API, error)

// NewClientFactory builds go-proxmox clients authenticated with API tokens.
// Clients are cached per token id.
func NewClientFactory(endpoint string, taskTimeout int) ClientFactory {
	var cache sync.Map
	return func(ctx context.Context, creds engine.Credentials) (API, error) {
		tokenID := creds.Get(CredTokenID)
		if tokenID == "" {
			return nil, engine.NewTerminalError("proxmox credentials need a token id", nil).
				WithCode(engine.ErrCodePermissionDenied)
		}
		if cached, ok := cache.Load(tokenID); ok {
			return cached.(API), nil
		}

		httpClient := &http.Client{}
		if insecure, _ := strconv.ParseBool(creds.Get(CredInsecureSkipTLSVerify)); insecure {
			httpClient.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
		c := &apiClient{
			client: proxmoxapi.NewClient(endpoint,
				proxmoxapi.WithHTTPClient(httpClient),
				proxmoxapi.WithAPIToken(tokenID, creds.Get(CredSecret)),
			),
			taskTimeout: taskTimeout,
		}
		actual, _ := cache.LoadOrStore(tokenID, c)
		return actual.(API), nil
	}
}

// apiClient implements API on top of go-proxmox.
type apiClient struct {
	client      *proxmoxapi.Client
	taskTimeout int
}

func (c *apiClient) Nodes(ctx context.Context) ([]NodeUsage, error) {
	cluster, err := c.client.Cluster(ctx)
	if err != nil {
		return nil, err
	}
	res, err := cluster.Resources(ctx, "node")
	if err != nil {
		return nil, err
	}
	nodes := make([]NodeUsage, 0, len(res))
	for _, r := range res {
		if r.Node == "" {
			continue
		}
		nodes = append(nodes, NodeUsage{Name: r.Node, MaxMem: r.MaxMem, Mem: r.Mem, CPU: r.CPU})
	}
	return nodes, nil
}

func (c *apiClient) VMIDs(ctx context.Context) ([]uint64, error) {
	cluster, err := c.client.Cluster(ctx)
	if err != nil {
		return nil, err
	}
	res, err := cluster.Resources(ctx, "vm")
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(res))
	for _, r := range res {
		ids = append(ids, r.VMID)
	}
	return ids, nil
}

func (c *apiClient) CreateVM(ctx context.Context, node string, vmid int, opts []proxmoxapi.VirtualMachineOption) error {
	n, err := c.client.Node(ctx, node)
	if err != nil {
		return err
	}
	task, err := n.NewVirtualMachine(ctx, vmid, opts...)
	if err != nil {
		return err
	}
	return task.WaitFor(ctx, c.taskTimeout)
}

func (c *apiClient) vm(ctx context.Context, node string, vmid int) (*proxmoxapi.VirtualMachine, error) {
	n, err := c.client.Node(ctx, node)
	if err != nil {
		return nil, err
	}
	return n.VirtualMachine(ctx, vmid)
}

func (c *apiClient) StartVM(ctx context.Context, node string, vmid int) error {
	vm, err := c.vm(ctx, node, vmid)
	if err != nil {
		return err
	}
	task, err := vm.Start(ctx)
	if err != nil {
		return err
	}
	return task.WaitFor(ctx, c.taskTimeout)
}

func (c *apiClient) StopVM(ctx context.Context, node string, vmid int) error {
	vm, err := c.vm(ctx, node, vmid)
	if err != nil {
		return err
	}
	task, err := vm.Stop(ctx)
	if err != nil {
		return err
	}
	return task.WaitFor(ctx, c.taskTimeout)
}

func (c *apiClient) DeleteVM(ctx context.Context, node string, vmid int) error {
	vm, err := c.vm(ctx, node, vmid)
	if err != nil {
		return err
	}
	task, err := vm.Delete(ctx)
	if err != nil {
		return err
	}
	return task.WaitFor(ctx, c.taskTimeout)
}

func (c *apiClient) VM(ctx context.Context, node string, vmid int) (*VM, error) {
	vm, err := c.vm(ctx, node, vmid)
	if err != nil {
		return nil, err
	}
	return &VM{
		Name:    vm.Name,
		Status:  vm.Status,
		CPUs:    vm.CPUs,
		MaxMem:  vm.MaxMem,
		MaxDisk: vm.MaxDisk,
		Tags:    vm.Tags,
	}, nil
}

// VMIDRange bounds the ids given to new virtual machines.
type VMIDRange struct {
	Lower uint64
	Upper uint64
}

// DefaultVMIDRange leaves the ids below 1000 to manually managed guests.
var DefaultVMIDRange = VMIDRange{Lower: 1000, Upper: 999999}

// pickVMID returns a free id in r, starting the scan at a random offset so
// concurrent brokers rarely collide.
func pickVMID(existing []uint64, r VMIDRange) (int, error) {
	if r.Upper <= r.Lower {
		return 0, fmt.Errorf("invalid VMID range: lower=%d upper=%d", r.Lower, r.Upper)
	}
	span := r.Upper - r.Lower + 1

	used := make(map[uint64]struct{}, len(existing))
	for _, id := range existing {
		used[id] = struct{}{}
	}
	start := rand.Uint64N(span)
	for i := uint64(0); i < span; i++ {
		candidate := r.Lower + (start+i)%span
		if _, taken := used[candidate]; !taken {
			return int(candidate), nil
		}
	}
	return 0, fmt.Errorf("no VMIDs available in range [%d,%d]", r.Lower, r.Upper)
}

// cpuUtilMax is the load above which a node takes no new guests.
const cpuUtilMax = 0.95

// pickNode returns the allowed node with the most free memory that fits
// needMiB. Ties go to the lexically smallest name.
func pickNode(nodes []NodeUsage, allowed []string, needMiB uint64) (string, bool) {
	allow := make(map[string]bool, len(allowed))
	for _, n := range allowed {
		allow[n] = true
	}

	var fit []NodeUsage
	for _, n := range nodes {
		if len(allow) > 0 && !allow[n.Name] {
			continue
		}
		if n.MaxMem == 0 || n.Mem > n.MaxMem || n.CPU > cpuUtilMax {
			continue
		}
		if (n.MaxMem-n.Mem)/(1024*1024) < needMiB {
			continue
		}
		fit = append(fit, n)
	}
	if len(fit) == 0 {
		return "", false
	}
	sort.Slice(fit, func(i, j int) bool {
		fi, fj := fit[i].MaxMem-fit[i].Mem, fit[j].MaxMem-fit[j].Mem
		if fi != fj {
			return fi > fj
		}
		return fit[i].Name < fit[j].Name
	})
	return fit[0].Name, true
}
