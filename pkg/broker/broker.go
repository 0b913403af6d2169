package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/broker/pkg/config"
	"github.com/openfroyo/broker/pkg/connectors"
	"github.com/openfroyo/broker/pkg/connectors/aws"
	"github.com/openfroyo/broker/pkg/connectors/proxmox"
	"github.com/openfroyo/broker/pkg/connectors/sim"
	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/flavor"
	"github.com/openfroyo/broker/pkg/policy"
	"github.com/openfroyo/broker/pkg/processors"
	"github.com/openfroyo/broker/pkg/registry"
	"github.com/openfroyo/broker/pkg/stores"
	"github.com/openfroyo/broker/pkg/telemetry"
)

// Broker is one broker process: the order registry, its persistence, the
// cloud connectors and the state processors, wired from a configuration.
type Broker struct {
	cfg    *config.Broker
	opts   options
	tel    *telemetry.Telemetry
	ownTel bool
	logger zerolog.Logger

	store      *stores.SQLiteStore
	registry   *registry.Registry
	connectors *connectors.Registry
	matchers   map[string]*flavor.Matcher
	refreshers []*flavor.Refresher
	policy     *policy.Engine
	processors *processors.Set
	service    *Service
	sims       map[string]*sim.Cloud
}

type options struct {
	tel            *telemetry.Telemetry
	awsClients     aws.ClientFactory
	proxmoxClients proxmox.ClientFactory
	sim            sim.Config
}

// Option configures a Broker.
type Option func(*options)

// WithTelemetry uses tel instead of building telemetry from the
// configuration. The caller shuts tel down.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// WithAWSClients overrides how EC2 clients are built for aws clouds.
func WithAWSClients(f aws.ClientFactory) Option {
	return func(o *options) { o.awsClients = f }
}

// WithProxmoxClients overrides how API clients are built for proxmox clouds.
func WithProxmoxClients(f proxmox.ClientFactory) Option {
	return func(o *options) { o.proxmoxClients = f }
}

// WithSimConfig sets the base configuration of sim clouds. Cloud options
// override it.
func WithSimConfig(cfg sim.Config) Option {
	return func(o *options) { o.sim = cfg }
}

// New wires a broker from cfg. It opens and migrates the store and restores
// the persisted orders, but starts nothing; Run does.
func New(ctx context.Context, cfg *config.Broker, opts ...Option) (*Broker, error) {
	b := &Broker{
		cfg:      cfg,
		matchers: make(map[string]*flavor.Matcher),
		sims:     make(map[string]*sim.Cloud),
	}
	for _, opt := range opts {
		opt(&b.opts)
	}

	if b.opts.tel != nil {
		b.tel = b.opts.tel
	} else {
		tel, err := telemetry.NewTelemetry(TelemetryConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		b.tel = tel
		b.ownTel = true
	}
	b.logger = b.tel.Logger.Component("broker")

	if err := b.wire(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) wire(ctx context.Context) error {
	cfg := b.cfg
	storeLogger := b.tel.Logger.Component("store")
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path, Logger: &storeLogger})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	b.store = store
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}

	b.registry = registry.New(
		registry.WithObserver(registry.ObserverFunc(func(o *engine.Order, _, _ engine.OrderState) {
			store.OrderChanged(o.View())
		})),
		registry.WithObserver(b.tel.Metrics),
	)
	if err := b.tel.Metrics.WatchStates(b.registry.Sizes); err != nil {
		return fmt.Errorf("failed to register order gauge: %w", err)
	}
	if err := b.restore(ctx); err != nil {
		return err
	}

	b.connectors = connectors.NewRegistry()
	for _, cc := range cfg.Clouds {
		if err := b.registerCloud(cc); err != nil {
			return err
		}
	}

	var policyOpts []policy.Option
	if cfg.Policy.Data != nil {
		policyOpts = append(policyOpts, policy.WithData(cfg.Policy.Data))
	}
	b.policy, err = policy.NewEngine(b.tel.Logger.Zerolog(), policyOpts...)
	if err != nil {
		return err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := b.policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return err
		}
	}

	matchers := make(map[string]processors.FlavorMatcher, len(b.matchers))
	for name, m := range b.matchers {
		matchers[name] = m
	}
	creds := make(connectors.StaticCredentials, len(cfg.Clouds))
	for _, cc := range cfg.Clouds {
		creds[cc.Name] = cc.Credentials
	}
	b.processors, err = processors.New(ProcessorsConfig(cfg), processors.Deps{
		Registry:    b.registry,
		Connectors:  b.connectors,
		Credentials: creds,
		Matchers:    matchers,
		Policy:      b.policy,
		Recorder:    b.tel.Metrics,
		Tracer:      b.tel.Tracer.Tracer(),
		Logger:      b.tel.Logger.Zerolog(),
	})
	if err != nil {
		return err
	}

	b.service = NewService(b.registry, ServiceConfig{
		LocalProvider: cfg.Provider.ID,
		Store:         store,
		Recorder:      b.tel.Metrics,
		Logger:        b.tel.Logger.Zerolog(),
	})
	return nil
}

// restore re-registers the persisted orders in their persisted states.
func (b *Broker) restore(ctx context.Context) error {
	views, err := b.store.LoadAllOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load orders: %w", err)
	}
	restored := 0
	for _, v := range views {
		o, err := engine.RestoreOrder(v)
		if err == nil {
			err = b.registry.Put(o)
		}
		if err != nil {
			logger := b.tel.Logger.Order(v)
			logger.Error().Err(err).Msg("Skipping persisted order")
			continue
		}
		restored++
	}
	b.logger.Info().Int("orders", restored).Msg("Orders restored")
	return nil
}

// Service returns the inbound order facade.
func (b *Broker) Service() *Service {
	return b.service
}

// Registry returns the order registry.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// Processors returns the state processors.
func (b *Broker) Processors() *processors.Set {
	return b.processors
}

// Matcher returns the flavor matcher of a compute-capable cloud, or nil.
func (b *Broker) Matcher(cloud string) *flavor.Matcher {
	return b.matchers[cloud]
}

// SimCloud returns a configured simulated cloud, or nil.
func (b *Broker) SimCloud(name string) *sim.Cloud {
	return b.sims[name]
}

// RefreshCatalogs refreshes every flavor catalog once.
func (b *Broker) RefreshCatalogs(ctx context.Context) error {
	var errs []error
	for _, r := range b.refreshers {
		errs = append(errs, r.Refresh(ctx))
	}
	return errors.Join(errs...)
}

// Run starts the processors, catalog refreshers, policy watcher and metrics
// endpoint, and blocks until ctx is canceled or one of them fails.
func (b *Broker) Run(ctx context.Context) error {
	// Compute orders fail without a catalog, so load one before processing.
	// Refreshers that loaded here skip their own first refresh.
	if err := b.RefreshCatalogs(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Initial flavor catalog refresh incomplete")
	}

	if b.cfg.Policy.Watch && len(b.cfg.Policy.Paths) > 0 {
		if err := b.policy.Watch(ctx, b.cfg.Policy.Paths); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range b.refreshers {
		g.Go(func() error {
			r.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		b.processors.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return b.tel.Metrics.Serve(ctx)
	})

	b.logger.Info().
		Int("clouds", len(b.cfg.Clouds)).
		Int("orders", b.registry.Len()).
		Msg("Broker started")
	err := g.Wait()
	b.logger.Info().Msg("Broker stopped")
	return err
}

// Close flushes pending order snapshots and releases the store and, when
// the broker built it, the telemetry.
func (b *Broker) Close() error {
	var errs []error
	if b.store != nil {
		errs = append(errs, b.store.Close())
	}
	if b.ownTel {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, b.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// TelemetryConfig maps the broker configuration onto telemetry settings.
func TelemetryConfig(cfg *config.Broker) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Logging.Format = cfg.Telemetry.LogFormat
	tc.Metrics.ListenAddress = cfg.Telemetry.MetricsAddr
	tc.Tracing.Exporter = cfg.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = cfg.Telemetry.Tracing.Endpoint
	tc.Tracing.SampleRatio = cfg.Telemetry.Tracing.SampleRatio
	return tc
}

// ProcessorsConfig maps the broker configuration onto processor settings.
// A retry budget of zero disables the budget.
func ProcessorsConfig(cfg *config.Broker) processors.Config {
	pc := processors.Config{
		Interval:           cfg.Processors.Interval.Std(),
		Workers:            cfg.Processors.Workers,
		Timeout:            cfg.Remote.Timeout.Std(),
		DefaultRetryBudget: cfg.Retry.Default,
		LocalProvider:      cfg.Provider.ID,
		DefaultCloud:       cfg.DefaultCloud,
		DefaultNetworkID:   cfg.Network.DefaultNetworkID,
	}
	if pc.DefaultRetryBudget == 0 {
		pc.DefaultRetryBudget = -1
	}
	if len(cfg.Processors.Intervals) > 0 {
		pc.Intervals = make(map[engine.OrderState]time.Duration, len(cfg.Processors.Intervals))
		for state, d := range cfg.Processors.Intervals {
			pc.Intervals[engine.OrderState(state)] = d.Std()
		}
	}
	if len(cfg.Retry.Budget) > 0 {
		pc.RetryBudget = make(map[engine.ResourceType]int, len(cfg.Retry.Budget))
		for t, n := range cfg.Retry.Budget {
			if n == 0 {
				n = -1
			}
			pc.RetryBudget[engine.ResourceType(t)] = n
		}
	}
	return pc
}
