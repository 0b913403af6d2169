package engine

import (
	"context"
)

// CloudConnector provisions one resource type on one cloud.
//
// Connectors translate cloud-specific failures into the error classes of this
// package before returning. They hold no per-order state, so a single
// connector serves every order of its (cloud, resource type) pair concurrently.
type CloudConnector interface {
	// RequestInstance provisions the resource and returns the cloud-assigned id.
	// A failed request leaves no remote resources behind.
	RequestInstance(ctx context.Context, req InstanceRequest, creds Credentials) (string, error)

	// GetInstance fetches the current remote state of an instance.
	// Unknown ids fail with an instance-not-found error.
	GetInstance(ctx context.Context, instanceID string, creds Credentials) (*Instance, error)

	// DeleteInstance removes the remote resource.
	// Deleting an id the cloud no longer knows succeeds.
	DeleteInstance(ctx context.Context, instanceID string, creds Credentials) error

	// IsReady maps a cloud status string to "provisioning complete".
	IsReady(cloudState string) bool

	// HasFailed maps a cloud status string to "provisioning failed terminally".
	HasFailed(cloudState string) bool
}

// InstanceRequest carries everything a connector needs to provision an order.
type InstanceRequest struct {
	// Order is a snapshot of the order being provisioned.
	Order OrderView

	// Flavor is the flavor chosen for compute orders.
	Flavor *Flavor

	// NetworkInstanceIDs are the cloud network ids for compute orders,
	// resolved from network orders or taken verbatim.
	NetworkInstanceIDs []string

	// ComputeInstanceID is the instance a public IP or attachment binds to.
	ComputeInstanceID string

	// VolumeInstanceID is the volume an attachment attaches.
	VolumeInstanceID string

	// UserData is the combined cloud-init payload for compute orders.
	UserData string
}

// Credentials are the per-user credentials for one cloud.
type Credentials struct {
	// Cloud is the cloud these credentials belong to.
	Cloud string

	// User is the user the credentials were issued for.
	User User

	// Values holds cloud-specific credential fields (access keys, tokens).
	Values map[string]string
}

// Get returns a credential value or the empty string.
func (c Credentials) Get(key string) string {
	if c.Values == nil {
		return ""
	}
	return c.Values[key]
}

// CredentialsProvider maps a user to the credentials used against a cloud.
type CredentialsProvider interface {
	Credentials(ctx context.Context, user User, cloud string) (Credentials, error)
}

// FlavorSource lists the flavors a cloud offers.
type FlavorSource interface {
	ListFlavors(ctx context.Context) ([]Flavor, error)
}

// OrderStore persists orders across restarts.
type OrderStore interface {
	// LoadAllOrders returns every order that has not been closed.
	LoadAllOrders(ctx context.Context) ([]OrderView, error)

	// OrderChanged records the latest snapshot of an order.
	// It must not block the caller on persistence I/O.
	OrderChanged(v OrderView)
}

// Placement is a placement decision for an OPEN order.
type Placement struct {
	Provider string
	Cloud    string
}

// PlacementPolicy chooses where an OPEN order is provisioned.
type PlacementPolicy interface {
	Place(ctx context.Context, order OrderView, clouds []string) (Placement, error)
}
