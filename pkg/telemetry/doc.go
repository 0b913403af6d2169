// Package telemetry wires the broker's observability: structured logging
// with zerolog, tracing with OpenTelemetry and Prometheus metrics.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Level = "debug"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	go tel.Metrics.Serve(ctx)
//
// Broker components take a zerolog.Logger and a trace.Tracer rather than the
// wrappers defined here:
//
//	logger := tel.Logger.Component("processors")
//	tracer := tel.Tracer.Tracer()
//
// Logger.Order derives a logger carrying order_id, resource_type, state and,
// once placed, cloud.
//
// # Metrics
//
// Metrics implements the recorder interfaces of the processors, connectors,
// rollback and flavor packages, and registry.Observer, so a single value is
// passed to all of them. Every metric lives in the namespace configured in
// MetricsConfig (default "broker"):
//
//   - orders_submitted_total{resource_type}
//   - order_transitions_total{from,to}
//   - orders{state}, read from the registry at scrape time
//   - processor_steps_total{state,outcome} and processor_step_duration_seconds{state}
//   - order_errors_total{state,class}
//   - connector_calls_total, connector_call_duration_seconds and
//     connector_errors_total, labelled by cloud, resource_type and operation
//   - rollback_compensations_total{step,result}
//   - flavor_matches_total{cloud,result}
//   - catalog_refreshes_total{cloud,result} and catalog_flavors{cloud}
//
// With metrics disabled every Record method is a no-op and Handler returns
// 404.
//
// # Tracing
//
// The exporter is one of "stdout", "otlp" (gRPC) or "none". Spans are sampled
// parent-based with the configured ratio; "none" hands out no-op spans.
package telemetry
