package broker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/broker/pkg/connectors"
	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/registry"
)

// OrderSpec is what a caller submits. Exactly one variant of Resource is set.
//
//	user: {id: alice}
//	cloud: aws-eu
//	resource:
//	  compute: {vcpu: 2, memory_mb: 4096, image_id: ami-0abc}
type OrderSpec struct {
	User engine.User `json:"user" yaml:"user"`

	// RequestingProvider defaults to the broker's own provider id.
	RequestingProvider string `json:"requesting_provider,omitempty" yaml:"requesting_provider,omitempty" validate:"omitempty,hostname_rfc1123"`

	// Provider and Cloud are optional placement hints.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty" validate:"omitempty,hostname_rfc1123"`
	Cloud    string `json:"cloud,omitempty" yaml:"cloud,omitempty" validate:"omitempty,hostname_rfc1123"`

	Resource engine.ResourceSpec `json:"resource" yaml:"resource"`
}

// specValidator checks order specs before they reach the registry.
type specValidator struct {
	validate *validator.Validate
}

func newSpecValidator() *specValidator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// The engine types carry no validation tags; the rules live here.
	v.RegisterStructValidationMapRules(map[string]string{
		"ID": "required",
	}, engine.User{})
	v.RegisterStructValidationMapRules(map[string]string{
		"Name":       "omitempty,max=63",
		"VCPU":       "min=1",
		"MemoryMB":   "min=1",
		"DiskGB":     "min=0",
		"ImageID":    "required",
		"UserData":   "dive",
		"NetworkIDs": "dive,required",
	}, engine.ComputeSpec{})
	v.RegisterStructValidationMapRules(map[string]string{
		"Type":    "oneof=cloud-config shell-script",
		"Content": "required",
	}, engine.UserData{})
	v.RegisterStructValidationMapRules(map[string]string{
		"Name":       "omitempty,max=63",
		"CIDR":       "required,cidr",
		"Gateway":    "omitempty,ip",
		"Allocation": "omitempty,oneof=dynamic static",
	}, engine.NetworkSpec{})
	v.RegisterStructValidationMapRules(map[string]string{
		"Name":   "omitempty,max=63",
		"SizeGB": "min=1",
	}, engine.VolumeSpec{})
	v.RegisterStructValidationMapRules(map[string]string{
		"ComputeOrderID": "required",
	}, engine.PublicIPSpec{})
	v.RegisterStructValidationMapRules(map[string]string{
		"SourceOrderID": "required",
		"TargetOrderID": "required,nefield=SourceOrderID",
		"Device":        "omitempty,startswith=/dev/",
	}, engine.AttachmentSpec{})

	return &specValidator{validate: v}
}

// Check validates spec on its own and against the orders it references in
// reg. Failures are terminal validation errors.
func (sv *specValidator) Check(spec *OrderSpec, reg *registry.Registry) error {
	var problems []string

	if spec.Resource.Type() == "" {
		problems = append(problems, "resource must set exactly one of compute, network, volume, public_ip, attachment")
	}

	if err := sv.validate.Struct(spec); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return engine.NewTerminalError("order spec validation failed", err).WithCode(engine.ErrCodeValidation)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, fmt.Sprintf("%s failed on the %q rule", fe.Namespace(), fe.Tag()))
		}
	}

	if c := spec.Resource.Compute; c != nil {
		if c.PublicKey != "" {
			if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.PublicKey)); err != nil {
				problems = append(problems, fmt.Sprintf("public_key is not an authorized_keys entry: %v", err))
			}
		}
		if _, err := connectors.CombineUserData(c.UserData); err != nil {
			problems = append(problems, fmt.Sprintf("user_data cannot be combined: %v", err))
		}
		for _, id := range c.NetworkIDs {
			// Ids that are not broker orders are passed to the cloud as-is.
			if o, err := reg.Get(id); err == nil && o.Type != engine.ResourceTypeNetwork {
				problems = append(problems, fmt.Sprintf("network_ids: order %s is a %s order", id, o.Type))
			}
		}
	}
	if p := spec.Resource.PublicIP; p != nil && p.ComputeOrderID != "" {
		problems = append(problems, checkReference(reg, "compute_order_id", p.ComputeOrderID, engine.ResourceTypeCompute)...)
	}
	if a := spec.Resource.Attachment; a != nil {
		if a.SourceOrderID != "" {
			problems = append(problems, checkReference(reg, "source_order_id", a.SourceOrderID, engine.ResourceTypeCompute)...)
		}
		if a.TargetOrderID != "" {
			problems = append(problems, checkReference(reg, "target_order_id", a.TargetOrderID, engine.ResourceTypeVolume)...)
		}
	}

	if len(problems) > 0 {
		return engine.NewTerminalError("invalid order spec: "+strings.Join(problems, "; "), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// checkReference requires id to name a live order of type want.
func checkReference(reg *registry.Registry, field, id string, want engine.ResourceType) []string {
	o, err := reg.Get(id)
	if err != nil {
		return []string{fmt.Sprintf("%s: order %s does not exist", field, id)}
	}
	if o.Type != want {
		return []string{fmt.Sprintf("%s: order %s is a %s order, expected %s", field, id, o.Type, want)}
	}
	if o.DeletionRequested() {
		return []string{fmt.Sprintf("%s: order %s is being deleted", field, id)}
	}
	return nil
}
