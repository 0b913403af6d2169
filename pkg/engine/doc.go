// Package engine defines the order lifecycle domain shared by the broker.
//
// # Orders
//
// An Order requests one cloud resource: a compute instance, a network, a
// volume, a public IP bound to a compute order, or an attachment of a volume
// to a compute order. Orders move through the states declared in state.go:
//
//	OPEN -> SELECTED -> SPAWNING -> FULFILLED <-> UNABLE_TO_CHECK_STATUS
//	                                    |
//	                                    v
//	                           CHECKING_DELETION -> CLOSED
//
// A resource that disappears or reports an unrecoverable cloud state moves its
// order to FAILED_AFTER_SUCCESSFUL_REQUEST. Orders that fail before anything
// was provisioned end in FAILED.
//
// The identity and spec of an order never change. Placement (provider, cloud,
// flavor) is fixed once by Select. Everything else is mutated only by the state
// processor that owns the order's current state.
//
// # Connectors
//
// A CloudConnector hides one cloud's API for one resource type behind five
// operations: RequestInstance, GetInstance, DeleteInstance, IsReady and
// HasFailed.
//
// # Errors
//
// Every failure that reaches a processor is classified with an ErrorClass.
// Processors decide between retrying and failing an order using ClassOf only:
//
//	switch {
//	case engine.IsRetryable(err):
//	    // stay in place, count the attempt
//	case engine.IsInstanceNotFound(err):
//	    // the resource is gone
//	default:
//	    // fail the order
//	}
package engine
