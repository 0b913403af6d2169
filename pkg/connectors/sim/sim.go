// Package sim is an in-process cloud used for local runs and tests. It
// serves every resource type, provisions asynchronously and supports fault
// injection per operation and per network provisioning step.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/flavor"
	"github.com/openfroyo/broker/pkg/rollback"
)

// Cloud states reported by the simulator.
const (
	StatePending = "pending"
	StateActive  = "active"
	StateError   = "error"
)

// Operations faults can be injected into.
const (
	OpRequest = "request"
	OpGet     = "get"
	OpDelete  = "delete"
)

// StepOp names a network provisioning step for fault injection.
func StepOp(step string) string {
	return "network:" + step
}

// NetworkSteps lists the remote steps of network provisioning in order.
var NetworkSteps = []string{"vpc", "gateway", "route-table", "subnet", "security-group"}

// Config tunes the simulator.
type Config struct {
	// Latency is added to every remote call.
	Latency time.Duration

	// ReadyAfter is the number of GetInstance calls that report pending
	// before a resource becomes active.
	ReadyAfter int

	// ComputeCapacity limits live compute instances. Zero means unlimited.
	ComputeCapacity int

	// Flavors served by the simulated offerings API. Defaults to DefaultFlavors.
	Flavors []engine.Flavor

	Logger zerolog.Logger
}

// DefaultFlavors is the simulated offerings catalog.
var DefaultFlavors = []engine.Flavor{
	{Name: "sim.nano", ID: "sim.nano", VCPU: 1, MemoryMB: 512, DiskGB: 10},
	{Name: "sim.small", ID: "sim.small", VCPU: 2, MemoryMB: 2048, DiskGB: 20},
	{Name: "sim.medium", ID: "sim.medium", VCPU: 4, MemoryMB: 4096, DiskGB: 40},
	{Name: "sim.large", ID: "sim.large", VCPU: 8, MemoryMB: 16384, DiskGB: 160,
		Requirements: map[string]string{"storage": "ssd"}},
}

type resource struct {
	id      string
	kind    string
	state   string
	polls   int
	parent  string
	parts   []string
	inst    engine.Instance
	created time.Time
}

type fault struct {
	err       error
	remaining int
}

// Cloud is the shared state of one simulated cloud. Connectors for all
// resource types operate on the same Cloud.
type Cloud struct {
	name   string
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	resources map[string]*resource
	faults    map[string]*fault
	hooks     map[string]func()
	calls     map[string]int
}

// New creates a simulated cloud.
func New(name string, cfg Config) *Cloud {
	if cfg.Flavors == nil {
		cfg.Flavors = DefaultFlavors
	}
	return &Cloud{
		name:      name,
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "sim").Str("cloud", name).Logger(),
		resources: make(map[string]*resource),
		faults:    make(map[string]*fault),
		hooks:     make(map[string]func()),
		calls:     make(map[string]int),
	}
}

// Name returns the cloud name.
func (c *Cloud) Name() string {
	return c.name
}

// InjectFault makes the next times calls of op fail with err. A negative
// times fails every call until ClearFaults.
func (c *Cloud) InjectFault(op string, err error, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = &fault{err: err, remaining: times}
}

// OnCall runs fn at the start of every call of op, before any injected
// fault is returned. A nil fn removes the hook.
func (c *Cloud) OnCall(op string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.hooks, op)
		return
	}
	c.hooks[op] = fn
}

// ClearFaults removes every injected fault.
func (c *Cloud) ClearFaults() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = make(map[string]*fault)
}

// Calls returns how often op was invoked.
func (c *Cloud) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// SetState overrides the cloud state of a resource.
func (c *Cloud) SetState(id, state string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resources[id]
	if ok {
		r.state = state
	}
	return ok
}

// Forget drops a resource as if it was deleted out of band.
func (c *Cloud) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(id)
}

// Count returns the number of live resources, including network parts.
func (c *Cloud) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resources)
}

// Flavors returns the simulated offerings as a flavor source.
func (c *Cloud) Flavors() engine.FlavorSource {
	return flavor.StaticSource(c.cfg.Flavors)
}

// Connector returns the connector for one resource type.
func (c *Cloud) Connector(t engine.ResourceType) engine.CloudConnector {
	return &connector{cloud: c, typ: t}
}

// call simulates latency and consumes an injected fault for op.
func (c *Cloud) call(ctx context.Context, op string) error {
	if c.cfg.Latency > 0 {
		timer := time.NewTimer(c.cfg.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return engine.NewRecoverableError("simulated call interrupted", ctx.Err()).
				WithCloud(c.name).
				WithOperation(op).
				WithCode(engine.ErrCodeTimeout)
		case <-timer.C:
		}
	}

	c.mu.Lock()
	hook := c.hooks[op]
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	f, ok := c.faults[op]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

func (c *Cloud) newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func (c *Cloud) addLocked(r *resource) {
	r.created = time.Now()
	if r.state == "" {
		r.state = StatePending
	}
	r.inst.ID = r.id
	c.resources[r.id] = r
}

func (c *Cloud) dropLocked(id string) {
	r, ok := c.resources[id]
	if !ok {
		return
	}
	for _, part := range r.parts {
		delete(c.resources, part)
	}
	delete(c.resources, id)
}

func (c *Cloud) liveComputeLocked() int {
	n := 0
	for _, r := range c.resources {
		if r.kind == string(engine.ResourceTypeCompute) {
			n++
		}
	}
	return n
}

func (c *Cloud) notFound(id string) error {
	return engine.NewInstanceNotFoundError(id, nil).WithCloud(c.name)
}

// connector serves one resource type of a simulated cloud.
type connector struct {
	cloud *Cloud
	typ   engine.ResourceType
}

func (s *connector) IsReady(state string) bool {
	return state == StateActive
}

func (s *connector) HasFailed(state string) bool {
	return state == StateError
}

func (s *connector) RequestInstance(ctx context.Context, req engine.InstanceRequest, creds engine.Credentials) (string, error) {
	if err := s.cloud.call(ctx, OpRequest); err != nil {
		return "", err
	}

	switch s.typ {
	case engine.ResourceTypeCompute:
		return s.requestCompute(req)
	case engine.ResourceTypeNetwork:
		return s.requestNetwork(ctx, req)
	case engine.ResourceTypeVolume:
		return s.requestVolume(req)
	case engine.ResourceTypePublicIP:
		return s.requestPublicIP(req)
	case engine.ResourceTypeAttachment:
		return s.requestAttachment(req)
	default:
		return "", engine.NewTerminalError(fmt.Sprintf("unsupported resource type %s", s.typ), nil).
			WithCode(engine.ErrCodeUnsupported)
	}
}

func (s *connector) requestCompute(req engine.InstanceRequest) (string, error) {
	spec := req.Order.Spec.Compute
	if spec == nil || req.Flavor == nil {
		return "", engine.NewTerminalError("compute request needs a spec and a flavor", nil).
			WithCode(engine.ErrCodeValidation)
	}

	c := s.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.ComputeCapacity > 0 && c.liveComputeLocked() >= c.cfg.ComputeCapacity {
		return "", engine.NewNoAvailableResourcesError("simulated cloud is out of compute capacity", nil).
			WithCloud(c.name)
	}
	for _, id := range req.NetworkInstanceIDs {
		if r, ok := c.resources[id]; ok && r.kind != string(engine.ResourceTypeNetwork) {
			return "", engine.NewTerminalError(fmt.Sprintf("%s is not a network", id), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}

	image := spec.ImageID
	if req.Flavor.ImageID != "" {
		image = req.Flavor.ImageID
	}
	r := &resource{
		id:   c.newID("vm"),
		kind: string(engine.ResourceTypeCompute),
		inst: engine.Instance{
			Name: spec.Name,
			Compute: &engine.ComputeInstance{
				VCPU:        req.Flavor.VCPU,
				MemoryMB:    req.Flavor.MemoryMB,
				DiskGB:      req.Flavor.DiskGB,
				ImageID:     image,
				Flavor:      req.Flavor.ID,
				IPAddresses: []string{fmt.Sprintf("10.0.0.%d", len(c.resources)%250+2)},
			},
		},
	}
	c.addLocked(r)
	return r.id, nil
}

// requestNetwork provisions a network in several remote steps and rolls back
// the completed ones when a step fails.
func (s *connector) requestNetwork(ctx context.Context, req engine.InstanceRequest) (string, error) {
	spec := req.Order.Spec.Network
	if spec == nil {
		return "", engine.NewTerminalError("network request needs a spec", nil).WithCode(engine.ErrCodeValidation)
	}

	c := s.cloud
	chain := rollback.New(rollback.WithLogger(c.logger))
	var parts []string

	for _, step := range NetworkSteps {
		id := c.newID(step)
		err := chain.Do(ctx, step, func(ctx context.Context) error {
			if err := c.call(ctx, StepOp(step)); err != nil {
				return err
			}
			c.mu.Lock()
			c.addLocked(&resource{id: id, kind: "network-part", state: StateActive})
			c.mu.Unlock()
			return nil
		}, func(ctx context.Context) error {
			if err := c.call(ctx, "undo:"+step); err != nil {
				return err
			}
			c.mu.Lock()
			delete(c.resources, id)
			c.mu.Unlock()
			return nil
		})
		if err != nil {
			return "", err
		}
		parts = append(parts, id)
	}
	chain.Discard()

	c.mu.Lock()
	defer c.mu.Unlock()
	r := &resource{
		id:    c.newID("net"),
		kind:  string(engine.ResourceTypeNetwork),
		parts: parts,
		inst: engine.Instance{
			Name: spec.Name,
			Network: &engine.NetworkInstance{
				CIDR:       spec.CIDR,
				Gateway:    spec.Gateway,
				Allocation: spec.Allocation,
			},
		},
	}
	c.addLocked(r)
	return r.id, nil
}

func (s *connector) requestVolume(req engine.InstanceRequest) (string, error) {
	spec := req.Order.Spec.Volume
	if spec == nil {
		return "", engine.NewTerminalError("volume request needs a spec", nil).WithCode(engine.ErrCodeValidation)
	}

	c := s.cloud
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &resource{
		id:   c.newID("vol"),
		kind: string(engine.ResourceTypeVolume),
		inst: engine.Instance{Name: spec.Name, Volume: &engine.VolumeInstance{SizeGB: spec.SizeGB}},
	}
	c.addLocked(r)
	return r.id, nil
}

func (s *connector) requestPublicIP(req engine.InstanceRequest) (string, error) {
	c := s.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.resources[req.ComputeInstanceID]; !ok {
		return "", engine.NewTerminalError(fmt.Sprintf("compute instance %s does not exist", req.ComputeInstanceID), nil).
			WithCode(engine.ErrCodeValidation)
	}
	r := &resource{
		id:     c.newID("ip"),
		kind:   string(engine.ResourceTypePublicIP),
		parent: req.ComputeInstanceID,
		inst: engine.Instance{PublicIP: &engine.PublicIPInstance{
			IP:                fmt.Sprintf("203.0.113.%d", len(c.resources)%250+2),
			ComputeInstanceID: req.ComputeInstanceID,
		}},
	}
	c.addLocked(r)
	return r.id, nil
}

func (s *connector) requestAttachment(req engine.InstanceRequest) (string, error) {
	c := s.cloud
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range []string{req.ComputeInstanceID, req.VolumeInstanceID} {
		if _, ok := c.resources[id]; !ok {
			return "", engine.NewTerminalError(fmt.Sprintf("instance %s does not exist", id), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}
	device := ""
	if spec := req.Order.Spec.Attachment; spec != nil {
		device = spec.Device
	}
	if device == "" {
		device = "/dev/vdb"
	}
	r := &resource{
		id:   c.newID("att"),
		kind: string(engine.ResourceTypeAttachment),
		inst: engine.Instance{Attachment: &engine.AttachmentInstance{
			ComputeInstanceID: req.ComputeInstanceID,
			VolumeInstanceID:  req.VolumeInstanceID,
			Device:            device,
		}},
	}
	c.addLocked(r)
	return r.id, nil
}

func (s *connector) GetInstance(ctx context.Context, instanceID string, creds engine.Credentials) (*engine.Instance, error) {
	c := s.cloud
	if err := c.call(ctx, OpGet); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resources[instanceID]
	if !ok || r.kind != string(s.typ) {
		return nil, c.notFound(instanceID)
	}
	if r.state == StatePending {
		r.polls++
		if r.polls > c.cfg.ReadyAfter {
			r.state = StateActive
		}
	}
	inst := r.inst
	inst.CloudState = r.state
	return &inst, nil
}

func (s *connector) DeleteInstance(ctx context.Context, instanceID string, creds engine.Credentials) error {
	c := s.cloud
	if err := c.call(ctx, OpDelete); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.resources[instanceID]; !ok {
		c.logger.Debug().Str("instance_id", instanceID).Msg("Delete of unknown instance treated as done")
		return nil
	}
	c.dropLocked(instanceID)
	return nil
}
