// Package policy decides order placement with Open Policy Agent.
//
// Every enabled policy is a Rego module evaluated with the order being
// placed as input:
//
//	{
//	  "order":  { ...the order snapshot... },
//	  "clouds": ["aws-eu", "pve-lab"]
//	}
//
// A policy rejects an order through a `deny` set and chooses a cloud through
// a `placement` object:
//
//	package broker.placement.gpu
//
//	deny contains msg if {
//	    input.order.user.id == "guest"
//	    input.order.spec.compute.vcpu > 4
//	    msg := "guests are limited to 4 vCPUs"
//	}
//
//	placement := {"cloud": "aws-eu"} if {
//	    input.order.spec.compute.requirements.gpu == "true"
//	}
//
// Any deny fails the order permanently. Placements are taken from the first
// policy, by name, that names a candidate cloud. Policies are read from .rego
// files and can be reloaded on change.
//
// Two built-in policies check name hints and per-order size limits. The
// limits come from data.broker.limits, set with WithData.
package policy
