package aws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/openfroyo/broker/pkg/engine"
)

// fakeEC2 implements the calls the tests exercise. Methods that are not
// overridden panic through the nil embedded interface.
type fakeEC2 struct {
	EC2API

	mu    sync.Mutex
	calls []string
	fail  map[string]error
	seq   int

	instances map[string]types.InstanceStateName
	addresses map[string]string
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		fail:      make(map[string]error),
		instances: make(map[string]types.InstanceStateName),
		addresses: make(map[string]string),
	}
}

func (f *fakeEC2) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.fail[op]
}

func (f *fakeEC2) nextID(prefix string) *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return aws.String(fmt.Sprintf("%s-%04d", prefix, f.seq))
}

func (f *fakeEC2) factory() ClientFactory {
	return func(ctx context.Context, creds engine.Credentials) (EC2API, error) {
		return f, nil
	}
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code + " from fake"}
}

func (f *fakeEC2) CreateVpc(ctx context.Context, in *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	if err := f.record("CreateVpc"); err != nil {
		return nil, err
	}
	return &ec2.CreateVpcOutput{Vpc: &types.Vpc{VpcId: f.nextID("vpc")}}, nil
}

func (f *fakeEC2) ModifyVpcAttribute(ctx context.Context, in *ec2.ModifyVpcAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error) {
	return &ec2.ModifyVpcAttributeOutput{}, f.record("ModifyVpcAttribute")
}

func (f *fakeEC2) DeleteVpc(ctx context.Context, in *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	return &ec2.DeleteVpcOutput{}, f.record("DeleteVpc")
}

func (f *fakeEC2) DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	if err := f.record("DescribeVpcs"); err != nil {
		return nil, err
	}
	return &ec2.DescribeVpcsOutput{Vpcs: []types.Vpc{{
		VpcId:     aws.String(in.VpcIds[0]),
		CidrBlock: aws.String("10.0.0.0/16"),
		State:     types.VpcStateAvailable,
	}}}, nil
}

func (f *fakeEC2) CreateInternetGateway(ctx context.Context, in *ec2.CreateInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error) {
	if err := f.record("CreateInternetGateway"); err != nil {
		return nil, err
	}
	return &ec2.CreateInternetGatewayOutput{InternetGateway: &types.InternetGateway{InternetGatewayId: f.nextID("igw")}}, nil
}

func (f *fakeEC2) AttachInternetGateway(ctx context.Context, in *ec2.AttachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	return &ec2.AttachInternetGatewayOutput{}, f.record("AttachInternetGateway")
}

func (f *fakeEC2) DetachInternetGateway(ctx context.Context, in *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	return &ec2.DetachInternetGatewayOutput{}, f.record("DetachInternetGateway")
}

func (f *fakeEC2) DeleteInternetGateway(ctx context.Context, in *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	return &ec2.DeleteInternetGatewayOutput{}, f.record("DeleteInternetGateway")
}

func (f *fakeEC2) CreateRouteTable(ctx context.Context, in *ec2.CreateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error) {
	if err := f.record("CreateRouteTable"); err != nil {
		return nil, err
	}
	return &ec2.CreateRouteTableOutput{RouteTable: &types.RouteTable{RouteTableId: f.nextID("rtb")}}, nil
}

func (f *fakeEC2) DeleteRouteTable(ctx context.Context, in *ec2.DeleteRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error) {
	return &ec2.DeleteRouteTableOutput{}, f.record("DeleteRouteTable")
}

func (f *fakeEC2) CreateRoute(ctx context.Context, in *ec2.CreateRouteInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	return &ec2.CreateRouteOutput{}, f.record("CreateRoute")
}

func (f *fakeEC2) DeleteRoute(ctx context.Context, in *ec2.DeleteRouteInput, _ ...func(*ec2.Options)) (*ec2.DeleteRouteOutput, error) {
	return &ec2.DeleteRouteOutput{}, f.record("DeleteRoute")
}

func (f *fakeEC2) CreateSubnet(ctx context.Context, in *ec2.CreateSubnetInput, _ ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	if err := f.record("CreateSubnet"); err != nil {
		return nil, err
	}
	return &ec2.CreateSubnetOutput{Subnet: &types.Subnet{SubnetId: f.nextID("subnet")}}, nil
}

func (f *fakeEC2) DeleteSubnet(ctx context.Context, in *ec2.DeleteSubnetInput, _ ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	return &ec2.DeleteSubnetOutput{}, f.record("DeleteSubnet")
}

func (f *fakeEC2) AssociateRouteTable(ctx context.Context, in *ec2.AssociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error) {
	if err := f.record("AssociateRouteTable"); err != nil {
		return nil, err
	}
	return &ec2.AssociateRouteTableOutput{AssociationId: f.nextID("rtbassoc")}, nil
}

func (f *fakeEC2) DisassociateRouteTable(ctx context.Context, in *ec2.DisassociateRouteTableInput, _ ...func(*ec2.Options)) (*ec2.DisassociateRouteTableOutput, error) {
	return &ec2.DisassociateRouteTableOutput{}, f.record("DisassociateRouteTable")
}

func (f *fakeEC2) CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	if err := f.record("CreateSecurityGroup"); err != nil {
		return nil, err
	}
	return &ec2.CreateSecurityGroupOutput{GroupId: f.nextID("sg")}, nil
}

func (f *fakeEC2) DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	return &ec2.DeleteSecurityGroupOutput{}, f.record("DeleteSecurityGroup")
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, f.record("AuthorizeSecurityGroupIngress")
}

func (f *fakeEC2) ImportKeyPair(ctx context.Context, in *ec2.ImportKeyPairInput, _ ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error) {
	return &ec2.ImportKeyPairOutput{KeyName: in.KeyName}, f.record("ImportKeyPair")
}

func (f *fakeEC2) DeleteKeyPair(ctx context.Context, in *ec2.DeleteKeyPairInput, _ ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error) {
	return &ec2.DeleteKeyPairOutput{}, f.record("DeleteKeyPair")
}

func (f *fakeEC2) RunInstances(ctx context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	if err := f.record("RunInstances"); err != nil {
		return nil, err
	}
	id := f.nextID("i")
	f.mu.Lock()
	f.instances[*id] = types.InstanceStateNamePending
	f.mu.Unlock()
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: id}}}, nil
}

func (f *fakeEC2) DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if err := f.record("DescribeInstances"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.instances[in.InstanceIds[0]]
	if !ok {
		return nil, apiError("InvalidInstanceID.NotFound")
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: []types.Instance{{
		InstanceId:       aws.String(in.InstanceIds[0]),
		State:            &types.InstanceState{Name: state},
		InstanceType:     types.InstanceTypeT3Micro,
		PrivateIpAddress: aws.String("172.31.0.10"),
		Tags:             []types.Tag{{Key: aws.String(tagKeyName), Value: aws.String("broker-o-1")}},
	}}}}}, nil
}

func (f *fakeEC2) TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if err := f.record("TerminateInstances"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.instances[in.InstanceIds[0]] = types.InstanceStateNameTerminated
	f.mu.Unlock()
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) AllocateAddress(ctx context.Context, in *ec2.AllocateAddressInput, _ ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error) {
	if err := f.record("AllocateAddress"); err != nil {
		return nil, err
	}
	return &ec2.AllocateAddressOutput{AllocationId: f.nextID("eipalloc"), PublicIp: aws.String("198.51.100.7")}, nil
}

func (f *fakeEC2) AssociateAddress(ctx context.Context, in *ec2.AssociateAddressInput, _ ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error) {
	return &ec2.AssociateAddressOutput{}, f.record("AssociateAddress")
}

func (f *fakeEC2) ReleaseAddress(ctx context.Context, in *ec2.ReleaseAddressInput, _ ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error) {
	return &ec2.ReleaseAddressOutput{}, f.record("ReleaseAddress")
}

func (f *fakeEC2) DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	return &ec2.DeleteVolumeOutput{}, f.record("DeleteVolume")
}

func (f *fakeEC2) callsAfter(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[n:]...)
}

func (f *fakeEC2) indexOf(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.calls {
		if c == op {
			return i
		}
	}
	return -1
}

func networkRequest() engine.InstanceRequest {
	return engine.InstanceRequest{Order: engine.OrderView{
		ID:   "net-1",
		Type: engine.ResourceTypeNetwork,
		Spec: engine.ResourceSpec{Network: &engine.NetworkSpec{CIDR: "10.0.0.0/16"}},
	}}
}

func TestNetworkCreateAndDelete(t *testing.T) {
	fake := newFakeEC2()
	conn := NewNetworkConnector(Config{Clients: fake.factory()})

	id, err := conn.RequestInstance(context.Background(), networkRequest(), engine.Credentials{})
	if err != nil {
		t.Fatalf("RequestInstance failed: %v", err)
	}
	parsed, ok := parseNetworkID(id)
	if !ok || parsed.Subnet == "" || parsed.SecurityGroup == "" || parsed.Association == "" {
		t.Fatalf("Expected complete network id, got %q", id)
	}

	inst, err := conn.GetInstance(context.Background(), id, engine.Credentials{})
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if !conn.IsReady(inst.CloudState) {
		t.Errorf("Expected available VPC to be ready, got %s", inst.CloudState)
	}

	before := len(fake.calls)
	if err := conn.DeleteInstance(context.Background(), id, engine.Credentials{}); err != nil {
		t.Fatalf("DeleteInstance failed: %v", err)
	}
	got := fake.callsAfter(before)
	if got[0] != "DeleteSecurityGroup" || got[len(got)-1] != "DeleteVpc" {
		t.Errorf("Expected teardown from security group to VPC, got %v", got)
	}
}

func TestNetworkRollbackOnSubnetFailure(t *testing.T) {
	fake := newFakeEC2()
	fake.fail["CreateSubnet"] = apiError("InvalidSubnet.Conflict")
	conn := NewNetworkConnector(Config{Clients: fake.factory()})

	_, err := conn.RequestInstance(context.Background(), networkRequest(), engine.Credentials{})
	if !engine.IsTerminal(err) {
		t.Fatalf("Expected terminal error, got %v", err)
	}

	got := fake.callsAfter(fake.indexOf("CreateSubnet") + 1)
	want := []string{"DeleteRoute", "DeleteRouteTable", "DetachInternetGateway", "DeleteInternetGateway", "DeleteVpc"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected compensations %v, got %v", want, got)
	}
}

func TestNetworkRollbackFailureNeedsCleanup(t *testing.T) {
	fake := newFakeEC2()
	fake.fail["AuthorizeSecurityGroupIngress"] = apiError("RequestLimitExceeded")
	fake.fail["DeleteVpc"] = apiError("DependencyViolation")
	conn := NewNetworkConnector(Config{Clients: fake.factory()})

	_, err := conn.RequestInstance(context.Background(), networkRequest(), engine.Credentials{})
	if engine.ClassOf(err) != engine.ErrorClassUnexpected {
		t.Fatalf("Expected unexpected error, got %v", err)
	}
	if !errors.Is(err, &engine.Error{Class: engine.ErrorClassRecoverable, Code: engine.ErrCodeRateLimited}) {
		t.Error("Expected the original throttling error to stay reachable")
	}
	if !errors.Is(err, &engine.Error{Class: engine.ErrorClassUnexpected, Code: engine.ErrCodeCleanupRequired}) {
		t.Error("Expected manual cleanup to be flagged")
	}
}

func TestNetworkRejectsBadCIDR(t *testing.T) {
	conn := NewNetworkConnector(Config{Clients: newFakeEC2().factory()})
	req := networkRequest()
	req.Order.Spec.Network.CIDR = "not-a-cidr"

	if _, err := conn.RequestInstance(context.Background(), req, engine.Credentials{}); !engine.IsTerminal(err) {
		t.Errorf("Expected terminal validation error, got %v", err)
	}
}

func computeRequest() engine.InstanceRequest {
	return engine.InstanceRequest{
		Order: engine.OrderView{
			ID:   "o-1",
			Type: engine.ResourceTypeCompute,
			Spec: engine.ResourceSpec{Compute: &engine.ComputeSpec{
				VCPU: 2, MemoryMB: 1024, DiskGB: 20, ImageID: "ami-123",
				PublicKey: "ssh-ed25519 AAAA test",
			}},
		},
		Flavor: &engine.Flavor{ID: "t3.small", VCPU: 2, MemoryMB: 2048},
	}
}

func TestComputeCapacityReleasesKeyPair(t *testing.T) {
	fake := newFakeEC2()
	fake.fail["RunInstances"] = apiError("InsufficientInstanceCapacity")
	conn := NewComputeConnector(Config{Clients: fake.factory()})

	_, err := conn.RequestInstance(context.Background(), computeRequest(), engine.Credentials{})
	if !engine.IsNoAvailableResources(err) {
		t.Fatalf("Expected no available resources, got %v", err)
	}
	if fake.indexOf("DeleteKeyPair") < fake.indexOf("RunInstances") {
		t.Error("Expected imported key pair to be deleted after the failed launch")
	}
}

func TestComputeLifecycle(t *testing.T) {
	fake := newFakeEC2()
	conn := NewComputeConnector(Config{Clients: fake.factory()})
	ctx := context.Background()

	id, err := conn.RequestInstance(ctx, computeRequest(), engine.Credentials{})
	if err != nil {
		t.Fatalf("RequestInstance failed: %v", err)
	}

	inst, err := conn.GetInstance(ctx, id, engine.Credentials{})
	if err != nil {
		t.Fatal(err)
	}
	if conn.IsReady(inst.CloudState) || conn.HasFailed(inst.CloudState) {
		t.Errorf("Expected pending to be neither ready nor failed")
	}

	if err := conn.DeleteInstance(ctx, id, engine.Credentials{}); err != nil {
		t.Fatalf("DeleteInstance failed: %v", err)
	}
	if _, err := conn.GetInstance(ctx, id, engine.Credentials{}); !engine.IsInstanceNotFound(err) {
		t.Errorf("Expected terminated instance to be not found, got %v", err)
	}
	if fake.indexOf("DeleteKeyPair") < 0 {
		t.Error("Expected key pair to be removed with the instance")
	}
	if err := conn.DeleteInstance(ctx, "i-unknown", engine.Credentials{}); err != nil {
		t.Errorf("Expected delete of unknown instance to succeed, got %v", err)
	}
}

func TestPublicIPRollbackOnAssociateFailure(t *testing.T) {
	fake := newFakeEC2()
	fake.fail["AssociateAddress"] = apiError("InvalidInstanceID")
	conn := NewPublicIPConnector(Config{Clients: fake.factory()})

	req := engine.InstanceRequest{Order: engine.OrderView{ID: "ip-1"}, ComputeInstanceID: "i-1"}
	if _, err := conn.RequestInstance(context.Background(), req, engine.Credentials{}); err == nil {
		t.Fatal("Expected association failure")
	}
	if fake.indexOf("ReleaseAddress") < 0 {
		t.Error("Expected allocated address to be released")
	}
}

func TestVolumeDeleteNotFound(t *testing.T) {
	fake := newFakeEC2()
	fake.fail["DeleteVolume"] = apiError("InvalidVolume.NotFound")
	conn := NewVolumeConnector(Config{Clients: fake.factory()})

	if err := conn.DeleteInstance(context.Background(), "vol-1", engine.Credentials{}); err != nil {
		t.Errorf("Expected not-found delete to succeed, got %v", err)
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		code string
		want engine.ErrorClass
	}{
		{"InvalidInstanceID.NotFound", engine.ErrorClassInstanceNotFound},
		{"InsufficientInstanceCapacity", engine.ErrorClassNoAvailableResources},
		{"RequestLimitExceeded", engine.ErrorClassRecoverable},
		{"InstanceLimitExceeded", engine.ErrorClassTerminal},
		{"UnauthorizedOperation", engine.ErrorClassTerminal},
		{"InvalidAMIID.Unavailable", engine.ErrorClassTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got := engine.ClassOf(translate(apiError(tt.code), "op", "aws", "i-1"))
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}

	if !engine.IsRecoverable(translate(context.DeadlineExceeded, "op", "aws", "")) {
		t.Error("Expected timeouts to be recoverable")
	}
	if !engine.IsRecoverable(translate(errors.New("connection reset"), "op", "aws", "")) {
		t.Error("Expected transport errors to be recoverable")
	}
}

func TestFlavorFromInstanceType(t *testing.T) {
	f := flavorFromInstanceType(types.InstanceTypeInfo{
		InstanceType:                  types.InstanceTypeT3Micro,
		VCpuInfo:                      &types.VCpuInfo{DefaultVCpus: aws.Int32(2)},
		MemoryInfo:                    &types.MemoryInfo{SizeInMiB: aws.Int64(1024)},
		InstanceStorageSupported:      aws.Bool(false),
		ProcessorInfo:                 &types.ProcessorInfo{SupportedArchitectures: []types.ArchitectureType{types.ArchitectureTypeX8664}},
		BurstablePerformanceSupported: aws.Bool(true),
	})

	if f.ID != "t3.micro" || f.VCPU != 2 || f.MemoryMB != 1024 {
		t.Errorf("Unexpected flavor: %+v", f)
	}
	if f.Requirements[TagStorage] != StorageEBSOnly || f.Requirements[TagBurstable] != "true" {
		t.Errorf("Unexpected requirements: %v", f.Requirements)
	}
	if f.Requirements[TagArchitecture] != "x86_64" || f.Requirements[TagGPU] != "false" {
		t.Errorf("Unexpected requirements: %v", f.Requirements)
	}
}

func TestSplitAttachmentID(t *testing.T) {
	vol, inst, ok := splitAttachmentID("vol-1:i-2")
	if !ok || vol != "vol-1" || inst != "i-2" {
		t.Errorf("Unexpected split: %s %s %v", vol, inst, ok)
	}
	if _, _, ok := splitAttachmentID("vol-1"); ok {
		t.Error("Expected malformed id to be rejected")
	}
}
