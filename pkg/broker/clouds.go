package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/broker/pkg/config"
	"github.com/openfroyo/broker/pkg/connectors"
	"github.com/openfroyo/broker/pkg/connectors/aws"
	"github.com/openfroyo/broker/pkg/connectors/proxmox"
	"github.com/openfroyo/broker/pkg/connectors/sim"
	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/flavor"
)

// Option keys read from a cloud's options map.
const (
	OptDefaultSubnetID = "default_subnet_id"
	OptRootDevice      = "root_device"
	OptIngressCIDR     = "ingress_cidr"

	OptNodes          = "nodes"
	OptStorage        = "storage"
	OptBridge         = "bridge"
	OptVMIDLower      = "vmid_lower"
	OptVMIDUpper      = "vmid_upper"
	OptMemOverheadMiB = "mem_overhead_mib"
	OptTaskTimeout    = "task_timeout"

	OptLatency         = "latency"
	OptReadyAfter      = "ready_after"
	OptComputeCapacity = "compute_capacity"
)

// cloudSetup is what one configured cloud contributes to the broker.
type cloudSetup struct {
	connectors map[engine.ResourceType]engine.CloudConnector

	// flavors is the cloud's own offerings source, if it has one.
	flavors engine.FlavorSource
}

// setupCloud builds the connectors of one configured cloud.
func (b *Broker) setupCloud(cc config.CloudConfig) (*cloudSetup, error) {
	logger := b.logger.With().Str("cloud", cc.Name).Str("driver", cc.Driver).Logger()
	creds := engine.Credentials{Cloud: cc.Name, Values: cc.Credentials}

	switch cc.Driver {
	case config.DriverAWS:
		cfg := aws.Config{
			Cloud:            cc.Name,
			Region:           cc.Region,
			Endpoint:         cc.Endpoint,
			AvailabilityZone: cc.AvailabilityZone,
			DefaultSubnetID:  cc.Option(OptDefaultSubnetID, b.cfg.Network.DefaultSubnetID),
			RootDevice:       cc.Option(OptRootDevice, ""),
			IngressCIDR:      cc.Option(OptIngressCIDR, ""),
			Clients:          b.opts.awsClients,
			Logger:           logger,
			RollbackRecorder: b.tel.Metrics,
		}
		return &cloudSetup{
			connectors: aws.New(cfg),
			flavors:    aws.NewFlavorSource(cfg, creds),
		}, nil

	case config.DriverProxmox:
		cfg := proxmox.Config{
			Cloud:            cc.Name,
			Endpoint:         cc.Endpoint,
			Nodes:            splitList(cc.Option(OptNodes, "")),
			Storage:          cc.Option(OptStorage, ""),
			Bridge:           cc.Option(OptBridge, ""),
			Clients:          b.opts.proxmoxClients,
			Logger:           logger,
			RollbackRecorder: b.tel.Metrics,
		}
		var err error
		if cfg.VMIDRange.Lower, err = uintOption(cc, OptVMIDLower); err != nil {
			return nil, err
		}
		if cfg.VMIDRange.Upper, err = uintOption(cc, OptVMIDUpper); err != nil {
			return nil, err
		}
		if cfg.MemOverheadMiB, err = uintOption(cc, OptMemOverheadMiB); err != nil {
			return nil, err
		}
		timeout, err := durationOption(cc, OptTaskTimeout)
		if err != nil {
			return nil, err
		}
		cfg.TaskTimeout = int(timeout.Seconds())
		return &cloudSetup{
			connectors: map[engine.ResourceType]engine.CloudConnector{
				engine.ResourceTypeCompute: proxmox.NewComputeConnector(cfg),
			},
		}, nil

	case config.DriverSim:
		cfg := b.opts.sim
		cfg.Logger = logger
		latency, err := durationOption(cc, OptLatency)
		if err != nil {
			return nil, err
		}
		if latency > 0 {
			cfg.Latency = latency
		}
		if n, err := uintOption(cc, OptReadyAfter); err != nil {
			return nil, err
		} else if n > 0 {
			cfg.ReadyAfter = int(n)
		}
		if n, err := uintOption(cc, OptComputeCapacity); err != nil {
			return nil, err
		} else if n > 0 {
			cfg.ComputeCapacity = int(n)
		}

		cloud := sim.New(cc.Name, cfg)
		b.sims[cc.Name] = cloud
		set := make(map[engine.ResourceType]engine.CloudConnector, len(engine.ResourceTypes))
		for _, t := range engine.ResourceTypes {
			set[t] = cloud.Connector(t)
		}
		return &cloudSetup{connectors: set, flavors: cloud.Flavors()}, nil

	default:
		return nil, fmt.Errorf("cloud %s: unknown driver %q", cc.Name, cc.Driver)
	}
}

// registerCloud adds the instrumented connectors of cc to the connector
// registry and, when the cloud serves compute orders, a flavor matcher.
func (b *Broker) registerCloud(cc config.CloudConfig) error {
	setup, err := b.setupCloud(cc)
	if err != nil {
		return err
	}

	allowed := make(map[engine.ResourceType]bool, len(cc.ResourceTypes))
	for _, t := range cc.ResourceTypes {
		allowed[engine.ResourceType(t)] = true
	}

	for _, t := range engine.ResourceTypes {
		c, ok := setup.connectors[t]
		if !ok || (len(allowed) > 0 && !allowed[t]) {
			continue
		}
		key := connectors.Key{Cloud: cc.Name, Type: t}
		if err := b.connectors.Register(cc.Name, t, connectors.Instrument(c, key, b.tel.Metrics, b.tel.Tracer.Tracer())); err != nil {
			return err
		}
	}

	if !b.connectors.Supports(cc.Name, engine.ResourceTypeCompute) {
		return nil
	}

	var sources []engine.FlavorSource
	if setup.flavors != nil {
		sources = append(sources, setup.flavors)
	}
	if b.cfg.Catalog.Path != "" {
		sources = append(sources, flavor.FileSource{Path: b.cfg.Catalog.Path, Cloud: cc.Name})
	}
	m := flavor.NewMatcher(cc.Name, b.tel.Metrics)
	b.matchers[cc.Name] = m
	b.refreshers = append(b.refreshers, flavor.NewRefresher(m, sources, flavor.RefresherConfig{
		Interval:  b.cfg.Catalog.Refresh.Std(),
		WatchPath: b.cfg.Catalog.Path,
		Recorder:  b.tel.Metrics,
		Logger:    b.logger,
	}))
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func uintOption(cc config.CloudConfig, key string) (uint64, error) {
	v := cc.Option(key, "")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cloud %s: option %s: %w", cc.Name, key, err)
	}
	return n, nil
}

func durationOption(cc config.CloudConfig, key string) (time.Duration, error) {
	v := cc.Option(key, "")
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("cloud %s: option %s: %w", cc.Name, key, err)
	}
	return d, nil
}
