// Package broker assembles a broker process and exposes its inbound order
// operations.
//
// Service is the facade the API layer calls: SubmitOrder validates a spec
// and registers an OPEN order, GetOrder and ListOrders return snapshots, and
// DeleteOrder flags an order so the processor owning its state tears it down.
//
// Broker wires a Service from a config.Broker: the SQLite store, the order
// registry restored from it, one set of instrumented connectors per
// configured cloud, flavor matchers with their refreshers, the placement
// policy engine and the state processors.
//
//	b, err := broker.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//	return b.Run(ctx)
package broker
