package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		computeLimitsPolicy(),
	}
}

// resourceNamingPolicy enforces name hints that every cloud accepts.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Name hints must be lowercase, alphanumeric or hyphens, 3 to 63 characters",
		Enabled:     true,
		Builtin:     true,
		Rego: `package broker.policies.naming

deny contains msg if {
	some kind
	name := input.order.spec[kind].name
	name != ""
	lower(name) != name
	msg := sprintf("%s name %q must be lowercase", [kind, name])
}

deny contains msg if {
	some kind
	name := input.order.spec[kind].name
	name != ""
	not regex.match("^[a-zA-Z0-9-]+$", name)
	msg := sprintf("%s name %q may only contain letters, digits and hyphens", [kind, name])
}

deny contains msg if {
	some kind
	name := input.order.spec[kind].name
	name != ""
	count(name) < 3
	msg := sprintf("%s name %q is shorter than 3 characters", [kind, name])
}

deny contains msg if {
	some kind
	name := input.order.spec[kind].name
	count(name) > 63
	msg := sprintf("%s name %q is longer than 63 characters", [kind, name])
}
`,
	}
}

// computeLimitsPolicy rejects compute and volume orders above the limits in
// data.broker.limits.
func computeLimitsPolicy() Policy {
	return Policy{
		Name:        "compute-limits",
		Description: "Rejects orders larger than the configured per-order limits",
		Enabled:     true,
		Builtin:     true,
		Rego: `package broker.policies.limits

default configured := {}

configured := data.broker.limits

limits := object.union(
	{"max_vcpu": 128, "max_memory_mb": 1048576, "max_disk_gb": 16384},
	configured,
)

deny contains msg if {
	vcpu := input.order.spec.compute.vcpu
	vcpu > limits.max_vcpu
	msg := sprintf("compute order asks for %d vCPUs, the limit is %d", [vcpu, limits.max_vcpu])
}

deny contains msg if {
	mem := input.order.spec.compute.memory_mb
	mem > limits.max_memory_mb
	msg := sprintf("compute order asks for %d MB of memory, the limit is %d", [mem, limits.max_memory_mb])
}

deny contains msg if {
	size := input.order.spec.volume.size_gb
	size > limits.max_disk_gb
	msg := sprintf("volume order asks for %d GB, the limit is %d", [size, limits.max_disk_gb])
}
`,
	}
}
