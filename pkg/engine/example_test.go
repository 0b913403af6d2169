package engine_test

import (
	"fmt"

	"github.com/openfroyo/broker/pkg/engine"
)

// Example_orderLifecycle shows how an order moves from OPEN to FULFILLED.
// In the broker the registry performs SetState; it is called directly here.
func Example_orderLifecycle() {
	order, err := engine.NewOrder("order-001", engine.User{ID: "alice"}, engine.ResourceSpec{
		Compute: &engine.ComputeSpec{VCPU: 2, MemoryMB: 1024, DiskGB: 20, ImageID: "ubuntu-24.04"},
	})
	if err != nil {
		panic(err)
	}

	_ = order.Select("local", "sim", &engine.Flavor{Name: "small", ID: "sim.small", VCPU: 2, MemoryMB: 2048, DiskGB: 20})
	order.SetState(engine.OrderStateSelected)

	order.SetInstanceID("sim-0001")
	order.SetState(engine.OrderStateSpawning)
	order.SetState(engine.OrderStateFulfilled)

	view := order.View()
	fmt.Println(view.Type, view.State, view.Cloud, view.Flavor.Name, view.InstanceID)
	// Output: compute FULFILLED sim small sim-0001
}

// Example_errorClassification shows how failures are classified for retry decisions.
func Example_errorClassification() {
	errs := []error{
		engine.NewRecoverableError("connection reset", nil),
		engine.NewNoAvailableResourcesError("insufficient capacity", nil),
		engine.NewNoMatchingFlavorError("no flavor satisfies vcpu>=64"),
		engine.NewTerminalError("image not found", nil),
	}
	for _, err := range errs {
		fmt.Printf("%s retryable=%v\n", engine.ClassOf(err), engine.IsRetryable(err))
	}
	// Output:
	// recoverable retryable=true
	// no_available_resources retryable=true
	// no_matching_flavor retryable=false
	// terminal retryable=false
}
