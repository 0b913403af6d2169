package broker

import (
	"strings"
	"testing"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/registry"
)

const testPublicKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl alice@example"

func TestSpecValidation(t *testing.T) {
	reg := registry.New()
	for id, spec := range map[string]engine.ResourceSpec{
		"vm-1":  {Compute: &engine.ComputeSpec{VCPU: 1, MemoryMB: 512, ImageID: "img"}},
		"vol-1": {Volume: &engine.VolumeSpec{SizeGB: 10}},
		"net-1": {Network: &engine.NetworkSpec{CIDR: "10.0.0.0/24"}},
	} {
		o, err := engine.NewOrder(id, engine.User{ID: "alice"}, spec)
		if err != nil {
			t.Fatal(err)
		}
		if err := reg.Put(o); err != nil {
			t.Fatal(err)
		}
	}

	alice := engine.User{ID: "alice"}
	tests := []struct {
		name    string
		spec    OrderSpec
		wantErr string
	}{
		{
			name: "compute",
			spec: OrderSpec{User: alice, Resource: engine.ResourceSpec{Compute: &engine.ComputeSpec{
				VCPU: 2, MemoryMB: 2048, ImageID: "img", PublicKey: testPublicKey,
				NetworkIDs: []string{"net-1", "subnet-0abc"},
				UserData:   []engine.UserData{{Type: engine.UserDataShellScript, Content: "#!/bin/sh\necho hi"}},
			}}},
		},
		{
			name:    "no resource",
			spec:    OrderSpec{User: alice},
			wantErr: "exactly one",
		},
		{
			name: "two resources",
			spec: OrderSpec{User: alice, Resource: engine.ResourceSpec{
				Volume:  &engine.VolumeSpec{SizeGB: 1},
				Network: &engine.NetworkSpec{CIDR: "10.0.0.0/16"},
			}},
			wantErr: "exactly one",
		},
		{
			name:    "missing user",
			spec:    OrderSpec{Resource: engine.ResourceSpec{Volume: &engine.VolumeSpec{SizeGB: 1}}},
			wantErr: "User.ID",
		},
		{
			name:    "zero vcpu",
			spec:    OrderSpec{User: alice, Resource: engine.ResourceSpec{Compute: &engine.ComputeSpec{MemoryMB: 1, ImageID: "img"}}},
			wantErr: "VCPU",
		},
		{
			name: "bad public key",
			spec: OrderSpec{User: alice, Resource: engine.ResourceSpec{Compute: &engine.ComputeSpec{
				VCPU: 1, MemoryMB: 1, ImageID: "img", PublicKey: "not a key",
			}}},
			wantErr: "public_key",
		},
		{
			name: "bad user data type",
			spec: OrderSpec{User: alice, Resource: engine.ResourceSpec{Compute: &engine.ComputeSpec{
				VCPU: 1, MemoryMB: 1, ImageID: "img",
				UserData: []engine.UserData{{Type: "powershell", Content: "x"}},
			}}},
			wantErr: "Type",
		},
		{
			name: "network id naming a volume order",
			spec: OrderSpec{User: alice, Resource: engine.ResourceSpec{Compute: &engine.ComputeSpec{
				VCPU: 1, MemoryMB: 1, ImageID: "img", NetworkIDs: []string{"vol-1"},
			}}},
			wantErr: "network_ids",
		},
		{
			name:    "bad cidr",
			spec:    OrderSpec{User: alice, Resource: engine.ResourceSpec{Network: &engine.NetworkSpec{CIDR: "10.0.0.0"}}},
			wantErr: "CIDR",
		},
		{
			name:    "zero volume",
			spec:    OrderSpec{User: alice, Resource: engine.ResourceSpec{Volume: &engine.VolumeSpec{}}},
			wantErr: "SizeGB",
		},
		{
			name:    "public ip on unknown order",
			spec:    OrderSpec{User: alice, Resource: engine.ResourceSpec{PublicIP: &engine.PublicIPSpec{ComputeOrderID: "vm-9"}}},
			wantErr: "does not exist",
		},
		{
			name:    "public ip on volume",
			spec:    OrderSpec{User: alice, Resource: engine.ResourceSpec{PublicIP: &engine.PublicIPSpec{ComputeOrderID: "vol-1"}}},
			wantErr: "expected compute",
		},
		{
			name: "attachment",
			spec: OrderSpec{User: alice, Resource: engine.ResourceSpec{Attachment: &engine.AttachmentSpec{
				SourceOrderID: "vm-1", TargetOrderID: "vol-1", Device: "/dev/sdf",
			}}},
		},
		{
			name: "attachment reversed",
			spec: OrderSpec{User: alice, Resource: engine.ResourceSpec{Attachment: &engine.AttachmentSpec{
				SourceOrderID: "vol-1", TargetOrderID: "vm-1",
			}}},
			wantErr: "source_order_id",
		},
		{
			name: "attachment bad device",
			spec: OrderSpec{User: alice, Resource: engine.ResourceSpec{Attachment: &engine.AttachmentSpec{
				SourceOrderID: "vm-1", TargetOrderID: "vol-1", Device: "sdf",
			}}},
			wantErr: "Device",
		},
		{
			name:    "bad cloud hint",
			spec:    OrderSpec{User: alice, Cloud: "Not A Cloud!", Resource: engine.ResourceSpec{Volume: &engine.VolumeSpec{SizeGB: 1}}},
			wantErr: "Cloud",
		},
	}

	sv := newSpecValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sv.Check(&tt.spec, reg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid spec, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
			if !engine.IsTerminal(err) {
				t.Errorf("Expected a terminal error, got class %s", engine.ClassOf(err))
			}
		})
	}
}
