package engine

import (
	"errors"
	"time"
)

// User identifies the user that submitted an order.
type User struct {
	// ID is the identity-provider assigned user id.
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable user name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// UserDataType identifies how a user-data entry is interpreted by cloud-init.
type UserDataType string

const (
	UserDataCloudConfig UserDataType = "cloud-config"
	UserDataShellScript UserDataType = "shell-script"
)

// UserData is one user-data fragment attached to a compute order.
type UserData struct {
	// Type selects the cloud-init content type.
	Type UserDataType `json:"type" yaml:"type"`

	// Content is the raw fragment.
	Content string `json:"content" yaml:"content"`
}

// ComputeSpec describes a requested virtual machine.
type ComputeSpec struct {
	// Name is an optional name hint for the instance.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// VCPU is the minimum number of virtual CPUs.
	VCPU int `json:"vcpu" yaml:"vcpu"`

	// MemoryMB is the minimum memory in megabytes.
	MemoryMB int `json:"memory_mb" yaml:"memory_mb"`

	// DiskGB is the minimum root disk in gigabytes.
	DiskGB int `json:"disk_gb" yaml:"disk_gb"`

	// ImageID is the cloud image to boot.
	ImageID string `json:"image_id" yaml:"image_id"`

	// PublicKey is an optional SSH public key in authorized_keys format.
	PublicKey string `json:"public_key,omitempty" yaml:"public_key,omitempty"`

	// UserData lists cloud-init fragments combined into one payload.
	UserData []UserData `json:"user_data,omitempty" yaml:"user_data,omitempty"`

	// NetworkIDs lists network order ids or cloud network ids to attach.
	NetworkIDs []string `json:"network_ids,omitempty" yaml:"network_ids,omitempty"`

	// Requirements are free-form flavor tag requirements (e.g. storage=EBS-Only).
	Requirements map[string]string `json:"requirements,omitempty" yaml:"requirements,omitempty"`
}

// NetworkSpec describes a requested private network.
type NetworkSpec struct {
	Name       string                `json:"name,omitempty" yaml:"name,omitempty"`
	CIDR       string                `json:"cidr" yaml:"cidr"`
	Gateway    string                `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Allocation NetworkAllocationMode `json:"allocation,omitempty" yaml:"allocation,omitempty"`
}

// VolumeSpec describes a requested block volume.
type VolumeSpec struct {
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	SizeGB int    `json:"size_gb" yaml:"size_gb"`
}

// PublicIPSpec describes a requested public address bound to a compute order.
type PublicIPSpec struct {
	ComputeOrderID string `json:"compute_order_id" yaml:"compute_order_id"`
}

// AttachmentSpec describes attaching a volume order to a compute order.
type AttachmentSpec struct {
	// SourceOrderID is the compute order the volume is attached to.
	SourceOrderID string `json:"source_order_id" yaml:"source_order_id"`

	// TargetOrderID is the volume order being attached.
	TargetOrderID string `json:"target_order_id" yaml:"target_order_id"`

	// Device is the optional guest device path (e.g. /dev/sdf).
	Device string `json:"device,omitempty" yaml:"device,omitempty"`
}

// ResourceSpec holds exactly one resource-specific specification.
type ResourceSpec struct {
	Compute    *ComputeSpec    `json:"compute,omitempty" yaml:"compute,omitempty"`
	Network    *NetworkSpec    `json:"network,omitempty" yaml:"network,omitempty"`
	Volume     *VolumeSpec     `json:"volume,omitempty" yaml:"volume,omitempty"`
	PublicIP   *PublicIPSpec   `json:"public_ip,omitempty" yaml:"public_ip,omitempty"`
	Attachment *AttachmentSpec `json:"attachment,omitempty" yaml:"attachment,omitempty"`
}

// Type returns the resource type selected by the spec, or an empty type when
// zero or several variants are set.
func (s ResourceSpec) Type() ResourceType {
	var t ResourceType
	count := 0
	if s.Compute != nil {
		t, count = ResourceTypeCompute, count+1
	}
	if s.Network != nil {
		t, count = ResourceTypeNetwork, count+1
	}
	if s.Volume != nil {
		t, count = ResourceTypeVolume, count+1
	}
	if s.PublicIP != nil {
		t, count = ResourceTypePublicIP, count+1
	}
	if s.Attachment != nil {
		t, count = ResourceTypeAttachment, count+1
	}
	if count != 1 {
		return ""
	}
	return t
}

// DependsOn returns the order ids this spec references.
func (s ResourceSpec) DependsOn() []string {
	switch {
	case s.PublicIP != nil:
		return []string{s.PublicIP.ComputeOrderID}
	case s.Attachment != nil:
		return []string{s.Attachment.SourceOrderID, s.Attachment.TargetOrderID}
	default:
		return nil
	}
}

// Flavor is one purchasable compute shape offered by a cloud.
type Flavor struct {
	// Name is the human-readable offering name (e.g. "t3.micro").
	Name string `json:"name" yaml:"name"`

	// ID is the provider-specific identifier used in provisioning calls.
	ID string `json:"id" yaml:"id"`

	// VCPU is the number of virtual CPUs.
	VCPU int `json:"vcpu" yaml:"vcpu"`

	// MemoryMB is the memory size in megabytes.
	MemoryMB int `json:"memory_mb" yaml:"memory_mb"`

	// DiskGB is the root disk size in gigabytes.
	DiskGB int `json:"disk_gb" yaml:"disk_gb"`

	// ImageID optionally pins the source image for this offering.
	ImageID string `json:"image_id,omitempty" yaml:"image_id,omitempty"`

	// Requirements maps free-form requirement keys to values
	// (storage type, processor family, GPU support).
	Requirements map[string]string `json:"requirements,omitempty" yaml:"requirements,omitempty"`
}

// ErrorView is the persisted, user-visible form of an order failure.
// CauseClass and CauseCode describe the innermost classified error when it
// differs from the outer one, such as the capacity error behind an
// exhausted retry budget.
type ErrorView struct {
	Class      ErrorClass `json:"class"`
	Code       string     `json:"code,omitempty"`
	Message    string     `json:"message"`
	CauseClass ErrorClass `json:"cause_class,omitempty"`
	CauseCode  string     `json:"cause_code,omitempty"`
}

// NewErrorView converts an error into its user-visible form.
func NewErrorView(err error) *ErrorView {
	if err == nil {
		return nil
	}
	view := &ErrorView{Class: ClassOf(err), Message: err.Error()}
	var classified *Error
	if !errors.As(err, &classified) {
		return view
	}
	view.Code = classified.Code

	cause := classified
	for {
		var next *Error
		if !errors.As(cause.Err, &next) {
			break
		}
		cause = next
	}
	if cause != classified {
		view.CauseClass = cause.Class
		view.CauseCode = cause.Code
	}
	return view
}

// OrderView is an immutable snapshot of an order.
// It is what the API layer and the persistence layer see.
type OrderView struct {
	ID                 string       `json:"id"`
	Type               ResourceType `json:"type"`
	User               User         `json:"user"`
	RequestingProvider string       `json:"requesting_provider"`
	RequestedProvider  string       `json:"requested_provider,omitempty"`
	RequestedCloud     string       `json:"requested_cloud,omitempty"`
	Spec               ResourceSpec `json:"spec"`

	ProvidingProvider string  `json:"providing_provider,omitempty"`
	Cloud             string  `json:"cloud,omitempty"`
	Flavor            *Flavor `json:"flavor,omitempty"`

	State             OrderState `json:"state"`
	InstanceID        string     `json:"instance_id,omitempty"`
	CloudState        string     `json:"cloud_state,omitempty"`
	Attempts          int        `json:"attempts"`
	LastError         *ErrorView `json:"last_error,omitempty"`
	DeletionRequested bool       `json:"deletion_requested,omitempty"`

	CreatedAt      time.Time                `json:"created_at"`
	StateEnteredAt map[OrderState]time.Time `json:"state_entered_at,omitempty"`
}
