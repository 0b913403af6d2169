package policy

import (
	"time"

	"github.com/openfroyo/broker/pkg/engine"
)

// Policy is a Rego module that takes part in placement decisions.
//
// A policy may define two rules in its package:
//
//	deny       a set of strings, or objects with a "message" field, that
//	           reject the order
//	placement  an object with "cloud" and optional "provider" fields that
//	           chooses where the order goes
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the broker.
	Builtin bool `json:"-"`

	// Source is the file the policy was read from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// Input is the document policies see as `input`.
type Input struct {
	// Order is the order being placed.
	Order engine.OrderView `json:"order"`

	// Clouds are the clouds the order may be placed on.
	Clouds []string `json:"clouds"`
}

// Violation is one deny result.
type Violation struct {
	Policy  string `json:"policy"`
	Message string `json:"message"`
}

// Decision is the combined outcome of every enabled policy for one order.
type Decision struct {
	Placement  engine.Placement
	Violations []Violation

	// DecidedBy names the policy whose placement was taken.
	DecidedBy string
}

// Denied reports whether any policy rejected the order.
func (d *Decision) Denied() bool {
	return len(d.Violations) > 0
}
