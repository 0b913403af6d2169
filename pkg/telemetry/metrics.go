package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/broker/pkg/engine"
)

// Result labels used by the flavor and catalog counters.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics provides Prometheus metrics for the broker. A Metrics built with
// metrics disabled accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Order metrics
	ordersSubmitted  *prometheus.CounterVec
	orderTransitions *prometheus.CounterVec

	// Processor metrics
	processorSteps    *prometheus.CounterVec
	processorDuration *prometheus.HistogramVec
	orderErrors       *prometheus.CounterVec

	// Connector metrics
	connectorCalls    *prometheus.CounterVec
	connectorDuration *prometheus.HistogramVec
	connectorErrors   *prometheus.CounterVec

	// Rollback metrics
	compensations *prometheus.CounterVec

	// Flavor metrics
	flavorMatches    *prometheus.CounterVec
	catalogRefreshes *prometheus.CounterVec
	catalogFlavors   *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ordersSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_submitted_total",
				Help:      "Total number of orders accepted by the broker",
			},
			[]string{"resource_type"},
		),
		orderTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_transitions_total",
				Help:      "Total number of order state transitions",
			},
			[]string{"from", "to"},
		),

		processorSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "processor_steps_total",
				Help:      "Total number of processor steps by outcome",
			},
			[]string{"state", "outcome"},
		),
		processorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "processor_step_duration_seconds",
				Help:      "Duration of one processor step in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		orderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_errors_total",
				Help:      "Total number of errors raised while processing orders",
			},
			[]string{"state", "class"},
		),

		connectorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_calls_total",
				Help:      "Total number of cloud connector calls",
			},
			[]string{"cloud", "resource_type", "operation"},
		),
		connectorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connector_call_duration_seconds",
				Help:      "Duration of cloud connector calls in seconds",
				Buckets:   buckets,
			},
			[]string{"cloud", "resource_type", "operation"},
		),
		connectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_errors_total",
				Help:      "Total number of failed cloud connector calls",
			},
			[]string{"cloud", "resource_type", "operation", "class"},
		),

		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_compensations_total",
				Help:      "Total number of compensation steps run during rollbacks",
			},
			[]string{"step", "result"},
		),

		flavorMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flavor_matches_total",
				Help:      "Total number of flavor match attempts",
			},
			[]string{"cloud", "result"},
		),
		catalogRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_refreshes_total",
				Help:      "Total number of flavor catalog refreshes",
			},
			[]string{"cloud", "result"},
		),
		catalogFlavors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_flavors",
				Help:      "Number of flavors in the last successful catalog refresh",
			},
			[]string{"cloud"},
		),
	}

	registry.MustRegister(
		m.ordersSubmitted,
		m.orderTransitions,
		m.processorSteps,
		m.processorDuration,
		m.orderErrors,
		m.connectorCalls,
		m.connectorDuration,
		m.connectorErrors,
		m.compensations,
		m.flavorMatches,
		m.catalogRefreshes,
		m.catalogFlavors,
	)

	return m, nil
}

// Registry returns the Prometheus registry holding the broker metrics, or
// nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Order Metrics

// RecordOrderSubmitted counts an accepted order.
func (m *Metrics) RecordOrderSubmitted(resourceType engine.ResourceType) {
	if m.ordersSubmitted == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(string(resourceType)).Inc()
}

// OrderMoved counts a state transition. It makes Metrics a registry
// observer.
func (m *Metrics) OrderMoved(order *engine.Order, from, to engine.OrderState) {
	if m.orderTransitions == nil {
		return
	}
	m.orderTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// WatchStates exposes sizes, typically the registry's Sizes method, as the
// orders gauge. sizes is called on every scrape.
func (m *Metrics) WatchStates(sizes func() map[engine.OrderState]int) error {
	if m.registry == nil {
		return nil
	}
	return m.registry.Register(&stateCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(m.config.Namespace, "", "orders"),
			"Current number of orders per state",
			[]string{"state"}, nil,
		),
		sizes: sizes,
	})
}

// stateCollector reports the order count of every state at scrape time.
type stateCollector struct {
	desc  *prometheus.Desc
	sizes func() map[engine.OrderState]int
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.sizes() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(state))
	}
}

// Processor Metrics

// RecordStep records one processor step.
func (m *Metrics) RecordStep(state engine.OrderState, outcome string, d time.Duration) {
	if m.processorSteps == nil {
		return
	}
	m.processorSteps.WithLabelValues(string(state), outcome).Inc()
	m.processorDuration.WithLabelValues(string(state)).Observe(d.Seconds())
}

// RecordOrderError records an error raised while processing an order.
func (m *Metrics) RecordOrderError(state engine.OrderState, class engine.ErrorClass) {
	if m.orderErrors == nil {
		return
	}
	m.orderErrors.WithLabelValues(string(state), string(class)).Inc()
}

// Connector Metrics

// RecordConnectorCall records a cloud connector call with its duration.
func (m *Metrics) RecordConnectorCall(cloud string, resourceType engine.ResourceType, operation string, d time.Duration, err error) {
	if m.connectorCalls == nil {
		return
	}
	m.connectorCalls.WithLabelValues(cloud, string(resourceType), operation).Inc()
	m.connectorDuration.WithLabelValues(cloud, string(resourceType), operation).Observe(d.Seconds())
	if err != nil {
		m.connectorErrors.WithLabelValues(cloud, string(resourceType), operation, string(engine.ClassOf(err))).Inc()
	}
}

// Rollback Metrics

// RecordCompensation records one compensation step of a rollback.
func (m *Metrics) RecordCompensation(step string, err error) {
	if m.compensations == nil {
		return
	}
	m.compensations.WithLabelValues(step, result(err)).Inc()
}

// Flavor Metrics

// RecordFlavorMatch records a flavor match attempt.
func (m *Metrics) RecordFlavorMatch(cloud, result string) {
	if m.flavorMatches == nil {
		return
	}
	m.flavorMatches.WithLabelValues(cloud, result).Inc()
}

// RecordCatalogRefresh records a catalog refresh. The flavor gauge keeps its
// last value when the refresh failed.
func (m *Metrics) RecordCatalogRefresh(cloud string, flavors int, err error) {
	if m.catalogRefreshes == nil {
		return
	}
	m.catalogRefreshes.WithLabelValues(cloud, result(err)).Inc()
	if err == nil {
		m.catalogFlavors.WithLabelValues(cloud).Set(float64(flavors))
	}
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is done. It returns once the
// listener is closed; binding errors are returned immediately.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		<-ctx.Done()
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
