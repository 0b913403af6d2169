package stores

import (
	"errors"
	"time"

	"github.com/openfroyo/broker/pkg/engine"
)

// ErrNotFound is returned when an order has no row in the store.
var ErrNotFound = errors.New("order not found")

// OrderRecord is a persisted order row.
type OrderRecord struct {
	ID         string
	State      engine.OrderState
	Type       engine.ResourceType
	Cloud      string
	InstanceID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	View       engine.OrderView
}

// Transition is one recorded state change of an order.
type Transition struct {
	ID      int64
	OrderID string
	From    engine.OrderState
	To      engine.OrderState
	Error   string
	At      time.Time
}

// ListFilter narrows ListOrders. Zero values match everything.
type ListFilter struct {
	State engine.OrderState
	Cloud string
	Limit int
}
