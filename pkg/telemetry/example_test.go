package telemetry_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/telemetry"
)

// ExampleNewTelemetry shows the usual startup sequence.
func ExampleNewTelemetry() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stdout"
	cfg.Metrics.ListenAddress = ""

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer tel.Shutdown(context.Background())

	_ = tel.Logger.Component("processors")
	_ = tel.Tracer.Tracer()

	fmt.Println(tel.Config.ServiceName)
	// Output: froyo-broker
}

// ExampleLogger_Order shows the fields added to order log lines.
func ExampleLogger_Order() {
	var sb strings.Builder
	logger := telemetry.NewWriterLogger(&sb, telemetry.LoggingConfig{Format: "json"})

	zl := logger.Order(engine.OrderView{ID: "ord-1", Type: engine.ResourceTypeCompute, Cloud: "sim"})
	zl.Info().Msg("order placed")

	line := sb.String()
	fmt.Println(strings.Contains(line, `"order_id":"ord-1"`), strings.Contains(line, `"cloud":"sim"`))
	// Output: true true
}

// ExampleMetrics_OrderMoved shows the transition counter fed by the registry.
func ExampleMetrics_OrderMoved() {
	m, _ := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)

	m.OrderMoved(nil, engine.OrderStateSpawning, engine.OrderStateFulfilled)
	m.OrderMoved(nil, engine.OrderStateSpawning, engine.OrderStateFulfilled)

	fmt.Println(testutil.CollectAndCount(m.Registry(), "broker_order_transitions_total"))
	// Output: 1
}
