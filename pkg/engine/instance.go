package engine

// Instance is the read model a connector returns for a provisioned resource.
// Exactly one of the resource-specific sections is set, matching the order type.
type Instance struct {
	// ID is the cloud-assigned instance id.
	ID string `json:"id"`

	// CloudState is the cloud's native status string.
	CloudState string `json:"cloud_state"`

	// Name is the name the cloud reports for the resource, if any.
	Name string `json:"name,omitempty"`

	Compute    *ComputeInstance    `json:"compute,omitempty"`
	Network    *NetworkInstance    `json:"network,omitempty"`
	Volume     *VolumeInstance     `json:"volume,omitempty"`
	PublicIP   *PublicIPInstance   `json:"public_ip,omitempty"`
	Attachment *AttachmentInstance `json:"attachment,omitempty"`
}

// ComputeInstance describes a running virtual machine.
type ComputeInstance struct {
	VCPU        int      `json:"vcpu"`
	MemoryMB    int      `json:"memory_mb"`
	DiskGB      int      `json:"disk_gb"`
	ImageID     string   `json:"image_id,omitempty"`
	Flavor      string   `json:"flavor,omitempty"`
	IPAddresses []string `json:"ip_addresses,omitempty"`
}

// NetworkInstance describes a provisioned private network.
type NetworkInstance struct {
	CIDR       string                `json:"cidr"`
	Gateway    string                `json:"gateway,omitempty"`
	Allocation NetworkAllocationMode `json:"allocation,omitempty"`
}

// VolumeInstance describes a provisioned block volume.
type VolumeInstance struct {
	SizeGB int `json:"size_gb"`
}

// PublicIPInstance describes an allocated public address.
type PublicIPInstance struct {
	IP                string `json:"ip"`
	ComputeInstanceID string `json:"compute_instance_id,omitempty"`
}

// AttachmentInstance describes a volume attached to a compute instance.
type AttachmentInstance struct {
	ComputeInstanceID string `json:"compute_instance_id"`
	VolumeInstanceID  string `json:"volume_instance_id"`
	Device            string `json:"device,omitempty"`
}
