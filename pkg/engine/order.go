package engine

import (
	"fmt"
	"sync"
	"time"
)

// Order is a request for one cloud resource tracked through its lifecycle.
//
// The exported fields are fixed when the order is created. Everything else is
// mutated through methods by the processor that owns the order's current
// state, and read concurrently by the API layer through View.
type Order struct {
	// ID is the unique, immutable order id.
	ID string

	// Type is the resource type derived from Spec.
	Type ResourceType

	// User is the user that submitted the order.
	User User

	// RequestingProvider is the provider the order came from.
	RequestingProvider string

	// RequestedProvider and RequestedCloud are optional placement hints.
	RequestedProvider string
	RequestedCloud    string

	// Spec holds the resource-specific fields.
	Spec ResourceSpec

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time

	mu                sync.RWMutex
	state             OrderState
	provider          string
	cloud             string
	flavor            *Flavor
	instanceID        string
	cloudState        string
	attempts          int
	lastErr           error
	lastErrView       *ErrorView
	deletionRequested bool
	stateEnteredAt    map[OrderState]time.Time
}

// NewOrder creates an OPEN order for the given spec.
func NewOrder(id string, user User, spec ResourceSpec) (*Order, error) {
	if id == "" {
		return nil, NewTerminalError("order id is required", nil).WithCode(ErrCodeValidation)
	}
	t := spec.Type()
	if t == "" {
		return nil, NewTerminalError("order spec must set exactly one resource type", nil).
			WithOrder(id).
			WithCode(ErrCodeValidation)
	}

	now := time.Now().UTC()
	return &Order{
		ID:             id,
		Type:           t,
		User:           user,
		Spec:           spec,
		CreatedAt:      now,
		state:          OrderStateOpen,
		stateEnteredAt: map[OrderState]time.Time{OrderStateOpen: now},
	}, nil
}

// RestoreOrder rebuilds an order from a persisted view.
func RestoreOrder(v OrderView) (*Order, error) {
	if err := v.State.Validate(); err != nil {
		return nil, fmt.Errorf("restore order %s: %w", v.ID, err)
	}
	o, err := NewOrder(v.ID, v.User, v.Spec)
	if err != nil {
		return nil, fmt.Errorf("restore order %s: %w", v.ID, err)
	}
	o.RequestingProvider = v.RequestingProvider
	o.RequestedProvider = v.RequestedProvider
	o.RequestedCloud = v.RequestedCloud
	if !v.CreatedAt.IsZero() {
		o.CreatedAt = v.CreatedAt
	}

	o.state = v.State
	o.provider = v.ProvidingProvider
	o.cloud = v.Cloud
	o.flavor = v.Flavor
	o.instanceID = v.InstanceID
	o.cloudState = v.CloudState
	o.attempts = v.Attempts
	o.deletionRequested = v.DeletionRequested
	if v.LastError != nil {
		view := *v.LastError
		o.lastErrView = &view
		o.lastErr = &Error{Class: view.Class, Code: view.Code, Message: view.Message}
	}
	o.stateEnteredAt = make(map[OrderState]time.Time, len(v.StateEnteredAt)+1)
	for s, at := range v.StateEnteredAt {
		o.stateEnteredAt[s] = at
	}
	if _, ok := o.stateEnteredAt[o.state]; !ok {
		o.stateEnteredAt[o.state] = o.CreatedAt
	}
	return o, nil
}

// State returns the order's current lifecycle state.
func (o *Order) State() OrderState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// SetState records entry into a new state and resets the retry counter.
// Only the registry calls SetState, while holding both partition locks.
func (o *Order) SetState(s OrderState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
	o.attempts = 0
	o.stateEnteredAt[s] = time.Now().UTC()
}

// Select fixes the providing provider, cloud and optional flavor.
// An order can be selected once.
func (o *Order) Select(provider, cloud string, flavor *Flavor) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cloud != "" {
		return NewTerminalError(fmt.Sprintf("order already placed on %s/%s", o.provider, o.cloud), nil).
			WithOrder(o.ID).
			WithOperation("select")
	}
	o.provider = provider
	o.cloud = cloud
	if flavor != nil {
		f := *flavor
		o.flavor = &f
	}
	return nil
}

// Provider returns the providing provider id, empty until selected.
func (o *Order) Provider() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.provider
}

// Cloud returns the selected cloud name, empty until selected.
func (o *Order) Cloud() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cloud
}

// Flavor returns a copy of the selected flavor, or nil.
func (o *Order) Flavor() *Flavor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.flavor == nil {
		return nil
	}
	f := *o.flavor
	return &f
}

// SetInstanceID records the cloud-assigned instance id.
func (o *Order) SetInstanceID(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.instanceID = id
}

// ClearInstanceID forgets the instance id once the remote resource is gone.
func (o *Order) ClearInstanceID() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.instanceID = ""
	o.cloudState = ""
}

// InstanceID returns the cloud-assigned instance id, empty until provisioned.
func (o *Order) InstanceID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.instanceID
}

// SetCloudState records the last status string reported by the cloud.
func (o *Order) SetCloudState(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cloudState = s
}

// CloudState returns the last status string reported by the cloud.
func (o *Order) CloudState() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cloudState
}

// RecordAttempt counts a failed attempt in the current state and returns
// the number of attempts so far.
func (o *Order) RecordAttempt(err error) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	o.setErrLocked(err)
	return o.attempts
}

// Fail records the reason the order is about to leave the happy path.
func (o *Order) Fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setErrLocked(err)
}

func (o *Order) setErrLocked(err error) {
	o.lastErr = err
	o.lastErrView = NewErrorView(err)
}

// Attempts returns the failed attempts recorded since the last state change.
func (o *Order) Attempts() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.attempts
}

// LastError returns the last recorded failure, or nil.
func (o *Order) LastError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

// RequestDeletion flags the order for deletion. It returns false when
// deletion was already requested.
func (o *Order) RequestDeletion() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.deletionRequested {
		return false
	}
	o.deletionRequested = true
	return true
}

// DeletionRequested reports whether the user asked for the order to be deleted.
func (o *Order) DeletionRequested() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.deletionRequested
}

// StateEnteredAt returns when the order last entered s.
func (o *Order) StateEnteredAt(s OrderState) (time.Time, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	at, ok := o.stateEnteredAt[s]
	return at, ok
}

// View returns a consistent snapshot of the order.
func (o *Order) View() OrderView {
	o.mu.RLock()
	defer o.mu.RUnlock()

	v := OrderView{
		ID:                 o.ID,
		Type:               o.Type,
		User:               o.User,
		RequestingProvider: o.RequestingProvider,
		RequestedProvider:  o.RequestedProvider,
		RequestedCloud:     o.RequestedCloud,
		Spec:               o.Spec,
		ProvidingProvider:  o.provider,
		Cloud:              o.cloud,
		State:              o.state,
		InstanceID:         o.instanceID,
		CloudState:         o.cloudState,
		Attempts:           o.attempts,
		DeletionRequested:  o.deletionRequested,
		CreatedAt:          o.CreatedAt,
		StateEnteredAt:     make(map[OrderState]time.Time, len(o.stateEnteredAt)),
	}
	if o.flavor != nil {
		f := *o.flavor
		v.Flavor = &f
	}
	if o.lastErrView != nil {
		e := *o.lastErrView
		v.LastError = &e
	}
	for s, at := range o.stateEnteredAt {
		v.StateEnteredAt[s] = at
	}
	return v
}
