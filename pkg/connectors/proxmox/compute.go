package proxmox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	proxmoxapi "github.com/luthermonson/go-proxmox"
	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/rollback"
)

// VM status strings reported by Proxmox.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

// managedTag marks guests created by the broker. Deletion refuses guests
// without it.
const managedTag = "broker"

// Config configures the compute connector of one Proxmox cluster.
type Config struct {
	// Cloud is the broker's name for this cluster.
	Cloud string

	Endpoint string

	// Nodes restricts placement to these nodes. Empty means any node.
	Nodes []string

	VMIDRange VMIDRange

	// Storage holds the boot disk and the cloud-init drive.
	Storage string

	// Bridge is the network bridge for the default interface.
	Bridge string

	// MemOverheadMiB is added to the order's memory when choosing a node.
	MemOverheadMiB uint64

	// TaskTimeout bounds each Proxmox task, in seconds.
	TaskTimeout int

	// Clients overrides how API clients are built.
	Clients ClientFactory

	Logger           zerolog.Logger
	RollbackRecorder rollback.Recorder
}

func (c *Config) setDefaults() {
	if c.Cloud == "" {
		c.Cloud = "proxmox"
	}
	if c.VMIDRange == (VMIDRange{}) {
		c.VMIDRange = DefaultVMIDRange
	}
	if c.Storage == "" {
		c.Storage = "local-lvm"
	}
	if c.Bridge == "" {
		c.Bridge = "vmbr0"
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 600
	}
	if c.Clients == nil {
		c.Clients = NewClientFactory(c.Endpoint, c.TaskTimeout)
	}
}

// ComputeConnector provisions compute orders as QEMU guests.
type ComputeConnector struct {
	cfg    Config
	logger zerolog.Logger
}

// NewComputeConnector creates the compute connector of a Proxmox cluster.
func NewComputeConnector(cfg Config) *ComputeConnector {
	cfg.setDefaults()
	return &ComputeConnector{
		cfg: cfg,
		logger: cfg.Logger.With().
			Str("component", "proxmox-connector").
			Str("cloud", cfg.Cloud).
			Logger(),
	}
}

// IsReady implements engine.CloudConnector.
func (c *ComputeConnector) IsReady(state string) bool {
	return state == StatusRunning
}

// HasFailed implements engine.CloudConnector. A guest the broker started
// that is no longer running has failed.
func (c *ComputeConnector) HasFailed(state string) bool {
	return state == StatusStopped
}

// RequestInstance picks a node and a free VMID, creates the guest and starts
// it. A guest that fails to start is deleted again.
func (c *ComputeConnector) RequestInstance(ctx context.Context, req engine.InstanceRequest, creds engine.Credentials) (string, error) {
	spec := req.Order.Spec.Compute
	if spec == nil || req.Flavor == nil {
		return "", engine.NewTerminalError("compute request needs a spec and a flavor", nil).
			WithOrder(req.Order.ID).WithCode(engine.ErrCodeValidation)
	}
	if req.UserData != "" {
		return "", engine.NewTerminalError("user data is not supported on proxmox", nil).
			WithOrder(req.Order.ID).WithCloud(c.cfg.Cloud).WithCode(engine.ErrCodeUnsupported)
	}
	api, err := c.cfg.Clients(ctx, creds)
	if err != nil {
		return "", err
	}

	nodes, err := api.Nodes(ctx)
	if err != nil {
		return "", translate(err, "list-nodes", c.cfg.Cloud, "")
	}
	node, ok := pickNode(nodes, c.cfg.Nodes, uint64(req.Flavor.MemoryMB)+c.cfg.MemOverheadMiB)
	if !ok {
		return "", engine.NewNoAvailableResourcesError(
			fmt.Sprintf("no node fits %d MiB", req.Flavor.MemoryMB), nil).
			WithOrder(req.Order.ID).WithCloud(c.cfg.Cloud)
	}

	existing, err := api.VMIDs(ctx)
	if err != nil {
		return "", translate(err, "list-vmids", c.cfg.Cloud, "")
	}
	vmid, err := pickVMID(existing, c.cfg.VMIDRange)
	if err != nil {
		return "", engine.NewNoAvailableResourcesError(err.Error(), nil).
			WithOrder(req.Order.ID).WithCloud(c.cfg.Cloud)
	}
	id := formatID(node, vmid)

	chain := rollback.New(rollback.WithLogger(c.logger), rollback.WithRecorder(c.cfg.RollbackRecorder))
	err = chain.Do(ctx, "create-vm", func(ctx context.Context) error {
		return translate(api.CreateVM(ctx, node, vmid, c.vmOptions(req, spec)), "create-vm", c.cfg.Cloud, id)
	}, func(ctx context.Context) error {
		return api.DeleteVM(ctx, node, vmid)
	})
	if err != nil {
		return "", err
	}
	err = chain.Do(ctx, "start-vm", func(ctx context.Context) error {
		return translate(api.StartVM(ctx, node, vmid), "start-vm", c.cfg.Cloud, id)
	}, nil)
	if err != nil {
		return "", err
	}
	chain.Discard()

	c.logger.Info().
		Str("order_id", req.Order.ID).
		Str("instance_id", id).
		Str("flavor", req.Flavor.ID).
		Msg("Started virtual machine")
	return id, nil
}

func (c *ComputeConnector) vmOptions(req engine.InstanceRequest, spec *engine.ComputeSpec) []proxmoxapi.VirtualMachineOption {
	name := spec.Name
	if name == "" {
		name = "broker-" + req.Order.ID
	}
	image := spec.ImageID
	if req.Flavor.ImageID != "" {
		image = req.Flavor.ImageID
	}
	disk := spec.DiskGB
	if req.Flavor.DiskGB > disk {
		disk = req.Flavor.DiskGB
	}

	opts := []proxmoxapi.VirtualMachineOption{
		{Name: "name", Value: name},
		{Name: "cores", Value: req.Flavor.VCPU},
		{Name: "memory", Value: req.Flavor.MemoryMB},
		{Name: "scsihw", Value: "virtio-scsi-pci"},
		{Name: "scsi0", Value: fmt.Sprintf("%s:%d,import-from=%s", c.cfg.Storage, disk, image)},
		{Name: "ide2", Value: c.cfg.Storage + ":cloudinit"},
		{Name: "boot", Value: "order=scsi0"},
		{Name: "net0", Value: "virtio,bridge=" + c.bridge(req.NetworkInstanceIDs)},
		{Name: "ipconfig0", Value: "ip=dhcp"},
		{Name: "tags", Value: managedTag},
	}
	if spec.PublicKey != "" {
		// Proxmox expects the key list percent-encoded with %20 for spaces.
		opts = append(opts, proxmoxapi.VirtualMachineOption{
			Name:  "sshkeys",
			Value: strings.ReplaceAll(url.QueryEscape(spec.PublicKey), "+", "%20"),
		})
	}
	return opts
}

// bridge returns the first requested network as the bridge name, or the
// configured default.
func (c *ComputeConnector) bridge(networkIDs []string) string {
	if len(networkIDs) > 0 && networkIDs[0] != "" {
		return networkIDs[0]
	}
	return c.cfg.Bridge
}

// GetInstance implements engine.CloudConnector.
func (c *ComputeConnector) GetInstance(ctx context.Context, instanceID string, creds engine.Credentials) (*engine.Instance, error) {
	node, vmid, err := parseID(instanceID)
	if err != nil {
		return nil, engine.NewInstanceNotFoundError(instanceID, err).WithCloud(c.cfg.Cloud)
	}
	api, err := c.cfg.Clients(ctx, creds)
	if err != nil {
		return nil, err
	}
	vm, err := api.VM(ctx, node, vmid)
	if err != nil {
		return nil, translate(err, "get-vm", c.cfg.Cloud, instanceID)
	}
	return &engine.Instance{
		ID:         instanceID,
		CloudState: vm.Status,
		Name:       vm.Name,
		Compute: &engine.ComputeInstance{
			VCPU:     vm.CPUs,
			MemoryMB: int(vm.MaxMem / (1024 * 1024)),
			DiskGB:   int(vm.MaxDisk / (1024 * 1024 * 1024)),
		},
	}, nil
}

// DeleteInstance stops and deletes the guest. Unknown guests count as deleted.
func (c *ComputeConnector) DeleteInstance(ctx context.Context, instanceID string, creds engine.Credentials) error {
	node, vmid, err := parseID(instanceID)
	if err != nil {
		return nil
	}
	api, err := c.cfg.Clients(ctx, creds)
	if err != nil {
		return err
	}

	vm, err := api.VM(ctx, node, vmid)
	if err != nil {
		err = translate(err, "get-vm", c.cfg.Cloud, instanceID)
		if engine.IsInstanceNotFound(err) {
			return nil
		}
		return err
	}
	if !hasTag(vm.Tags, managedTag) {
		return engine.NewTerminalError(fmt.Sprintf("refusing to delete unmanaged guest %s", instanceID), nil).
			WithCloud(c.cfg.Cloud).WithCode(engine.ErrCodePermissionDenied)
	}

	if vm.Status == StatusRunning {
		if err := api.StopVM(ctx, node, vmid); err != nil {
			return translate(err, "stop-vm", c.cfg.Cloud, instanceID)
		}
	}
	if err := translate(api.DeleteVM(ctx, node, vmid), "delete-vm", c.cfg.Cloud, instanceID); err != nil && !engine.IsInstanceNotFound(err) {
		return err
	}
	return nil
}

func hasTag(tags, tag string) bool {
	for _, t := range strings.FieldsFunc(tags, func(r rune) bool { return r == ';' || r == ',' || r == ' ' }) {
		if t == tag {
			return true
		}
	}
	return false
}

// formatID encodes the instance id as node/vmid.
func formatID(node string, vmid int) string {
	return node + "/" + strconv.Itoa(vmid)
}

func parseID(id string) (string, int, error) {
	node, raw, ok := strings.Cut(id, "/")
	if !ok || node == "" {
		return "", 0, fmt.Errorf("malformed instance id %q", id)
	}
	vmid, err := strconv.Atoi(raw)
	if err != nil {
		return "", 0, fmt.Errorf("malformed instance id %q: %w", id, err)
	}
	return node, vmid, nil
}

// translate maps Proxmox API errors onto the broker's error classes.
func translate(err error, operation, cloud, instanceID string) error {
	if err == nil {
		return nil
	}
	var classified *engine.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return engine.NewRecoverableError("proxmox call timed out", err).
			WithOperation(operation).WithCloud(cloud).WithCode(engine.ErrCodeTimeout)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "does not exist"), strings.Contains(msg, "not found"), strings.Contains(msg, "404"):
		return engine.NewInstanceNotFoundError(instanceID, err).WithOperation(operation).WithCloud(cloud)
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "not authorized"), strings.Contains(msg, "permission"):
		return engine.NewTerminalError("proxmox rejected the credentials", err).
			WithOperation(operation).WithCloud(cloud).WithCode(engine.ErrCodePermissionDenied)
	case strings.Contains(msg, "already exists"):
		// Another guest took the VMID between listing and creation.
		return engine.NewRecoverableError("VMID collision", err).
			WithOperation(operation).WithCloud(cloud)
	case strings.Contains(msg, "not enough"), strings.Contains(msg, "out of space"):
		return engine.NewNoAvailableResourcesError(err.Error(), err).WithOperation(operation).WithCloud(cloud)
	default:
		return engine.NewRecoverableError("proxmox call failed", err).
			WithOperation(operation).WithCloud(cloud)
	}
}
