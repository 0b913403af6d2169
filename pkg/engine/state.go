package engine

import "fmt"

// OrderState represents a position in the order lifecycle.
type OrderState string

const (
	// OrderStateOpen indicates the order was accepted and awaits placement.
	OrderStateOpen OrderState = "OPEN"

	// OrderStateSelected indicates provider, cloud and (for compute) flavor were chosen.
	OrderStateSelected OrderState = "SELECTED"

	// OrderStateSpawning indicates the remote create was issued and readiness is being polled.
	OrderStateSpawning OrderState = "SPAWNING"

	// OrderStateFulfilled indicates the cloud reported the resource ready.
	OrderStateFulfilled OrderState = "FULFILLED"

	// OrderStateUnableToCheckStatus indicates a transient failure while polling a fulfilled order.
	OrderStateUnableToCheckStatus OrderState = "UNABLE_TO_CHECK_STATUS"

	// OrderStateCheckingDeletion indicates deletion was requested and is being confirmed.
	OrderStateCheckingDeletion OrderState = "CHECKING_DELETION"

	// OrderStateFailedAfterSuccessfulRequest indicates the resource was created but later
	// disappeared or entered an unrecoverable cloud state.
	OrderStateFailedAfterSuccessfulRequest OrderState = "FAILED_AFTER_SUCCESSFUL_REQUEST"

	// OrderStateFailed indicates provisioning failed before a resource existed.
	OrderStateFailed OrderState = "FAILED"

	// OrderStateClosed indicates the order was deleted. Closed orders leave the registry.
	OrderStateClosed OrderState = "CLOSED"
)

// States lists every state that has a registry partition, in lifecycle order.
var States = []OrderState{
	OrderStateOpen,
	OrderStateSelected,
	OrderStateSpawning,
	OrderStateFulfilled,
	OrderStateUnableToCheckStatus,
	OrderStateCheckingDeletion,
	OrderStateFailedAfterSuccessfulRequest,
	OrderStateFailed,
}

// ProcessedStates lists the states that own a state processor.
var ProcessedStates = []OrderState{
	OrderStateOpen,
	OrderStateSelected,
	OrderStateSpawning,
	OrderStateFulfilled,
	OrderStateUnableToCheckStatus,
	OrderStateCheckingDeletion,
	OrderStateFailedAfterSuccessfulRequest,
}

// transitions is the allowed next-state table.
var transitions = map[OrderState][]OrderState{
	OrderStateOpen:                         {OrderStateSelected, OrderStateFailed, OrderStateClosed},
	OrderStateSelected:                     {OrderStateSpawning, OrderStateFailed, OrderStateClosed, OrderStateCheckingDeletion},
	OrderStateSpawning:                     {OrderStateFulfilled, OrderStateFailedAfterSuccessfulRequest, OrderStateCheckingDeletion},
	OrderStateFulfilled:                    {OrderStateUnableToCheckStatus, OrderStateFailedAfterSuccessfulRequest, OrderStateCheckingDeletion},
	OrderStateUnableToCheckStatus:          {OrderStateFulfilled, OrderStateFailedAfterSuccessfulRequest, OrderStateCheckingDeletion},
	OrderStateCheckingDeletion:             {OrderStateClosed},
	OrderStateFailedAfterSuccessfulRequest: {OrderStateFulfilled, OrderStateCheckingDeletion},
	OrderStateFailed:                       {OrderStateClosed},
}

// Validate checks if the order state is known.
func (s OrderState) Validate() error {
	if s == OrderStateClosed {
		return nil
	}
	for _, known := range States {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid order state: %s", s)
}

// IsTerminal returns true if no processor will move the order further on its own.
func (s OrderState) IsTerminal() bool {
	return s == OrderStateFailed || s == OrderStateClosed
}

// HasInstance returns true if orders in this state may hold a cloud instance id.
func (s OrderState) HasInstance() bool {
	switch s {
	case OrderStateSpawning, OrderStateFulfilled, OrderStateUnableToCheckStatus,
		OrderStateCheckingDeletion, OrderStateFailedAfterSuccessfulRequest:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s OrderState) CanTransitionTo(next OrderState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ResourceType identifies the kind of cloud resource an order requests.
type ResourceType string

const (
	ResourceTypeCompute    ResourceType = "compute"
	ResourceTypeNetwork    ResourceType = "network"
	ResourceTypeVolume     ResourceType = "volume"
	ResourceTypePublicIP   ResourceType = "public_ip"
	ResourceTypeAttachment ResourceType = "attachment"
)

// ResourceTypes lists every supported resource type.
var ResourceTypes = []ResourceType{
	ResourceTypeCompute,
	ResourceTypeNetwork,
	ResourceTypeVolume,
	ResourceTypePublicIP,
	ResourceTypeAttachment,
}

// Validate checks if the resource type is known.
func (t ResourceType) Validate() error {
	for _, known := range ResourceTypes {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("invalid resource type: %s", t)
}

// NetworkAllocationMode controls how addresses are assigned on a network.
type NetworkAllocationMode string

const (
	AllocationDynamic NetworkAllocationMode = "dynamic"
	AllocationStatic  NetworkAllocationMode = "static"
)
