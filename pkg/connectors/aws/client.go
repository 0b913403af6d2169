// Package aws provisions broker orders on Amazon EC2.
//
// Every resource type is served: compute orders become EC2 instances, network
// orders a VPC with gateway, routing, subnet and security group, volume
// orders EBS volumes, public IP orders Elastic IPs and attachment orders
// volume attachments. Multi-step provisioning is compensated through
// rollback chains.
package aws

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/rollback"
)

// Credential keys read from engine.Credentials.
const (
	CredAccessKeyID     = "access_key_id"
	CredSecretAccessKey = "secret_access_key"
	CredSessionToken    = "session_token"
)

// EC2API is the subset of the EC2 client the connectors use.
type EC2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	ImportKeyPair(ctx context.Context, in *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, in *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)

	CreateVpc(ctx context.Context, in *ec2.CreateVpcInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error)
	ModifyVpcAttribute(ctx context.Context, in *ec2.ModifyVpcAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyVpcAttributeOutput, error)
	DescribeVpcs(ctx context.Context, in *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	DeleteVpc(ctx context.Context, in *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error)
	CreateInternetGateway(ctx context.Context, in *ec2.CreateInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error)
	AttachInternetGateway(ctx context.Context, in *ec2.AttachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error)
	DetachInternetGateway(ctx context.Context, in *ec2.DetachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error)
	DeleteInternetGateway(ctx context.Context, in *ec2.DeleteInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error)
	CreateRouteTable(ctx context.Context, in *ec2.CreateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error)
	DeleteRouteTable(ctx context.Context, in *ec2.DeleteRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error)
	CreateRoute(ctx context.Context, in *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)
	DeleteRoute(ctx context.Context, in *ec2.DeleteRouteInput, optFns ...func(*ec2.Options)) (*ec2.DeleteRouteOutput, error)
	CreateSubnet(ctx context.Context, in *ec2.CreateSubnetInput, optFns ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error)
	DeleteSubnet(ctx context.Context, in *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error)
	AssociateRouteTable(ctx context.Context, in *ec2.AssociateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error)
	DisassociateRouteTable(ctx context.Context, in *ec2.DisassociateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DisassociateRouteTableOutput, error)
	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, in *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)

	CreateVolume(ctx context.Context, in *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DeleteVolume(ctx context.Context, in *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	AttachVolume(ctx context.Context, in *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, in *ec2.DetachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)

	AllocateAddress(ctx context.Context, in *ec2.AllocateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error)
	AssociateAddress(ctx context.Context, in *ec2.AssociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error)
	DescribeAddresses(ctx context.Context, in *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
	DisassociateAddress(ctx context.Context, in *ec2.DisassociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.DisassociateAddressOutput, error)
	ReleaseAddress(ctx context.Context, in *ec2.ReleaseAddressInput, optFns ...func(*ec2.Options)) (*ec2.ReleaseAddressOutput, error)

	DescribeInstanceTypes(ctx context.Context, in *ec2.DescribeInstanceTypesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
}

// ClientFactory returns an EC2 client for a set of credentials.
type ClientFactory func(ctx context.Context, creds engine.Credentials) (EC2API, error)

// Config configures the EC2 connectors of one cloud.
type Config struct {
	// Cloud is the broker's name for this cloud.
	Cloud string

	Region   string
	Endpoint string

	// AvailabilityZone is used for volumes and subnets.
	AvailabilityZone string

	// DefaultSubnetID is used for compute orders that name no network.
	DefaultSubnetID string

	// RootDevice is the root block device name of the images in use.
	RootDevice string

	// IngressCIDR is opened on security groups created for network orders.
	IngressCIDR string

	// Clients overrides how EC2 clients are built. Tests use it to inject fakes.
	Clients ClientFactory

	Logger           zerolog.Logger
	RollbackRecorder rollback.Recorder
}

func (c *Config) setDefaults() {
	if c.Cloud == "" {
		c.Cloud = "aws"
	}
	if c.RootDevice == "" {
		c.RootDevice = "/dev/xvda"
	}
	if c.IngressCIDR == "" {
		c.IngressCIDR = "0.0.0.0/0"
	}
	if c.Clients == nil {
		c.Clients = NewClientFactory(c.Region, c.Endpoint)
	}
}

// NewClientFactory builds EC2 clients from static per-user credentials, or
// from the default credential chain when none are supplied. Clients are cached
// per access key.
func NewClientFactory(region, endpoint string) ClientFactory {
	var cache sync.Map
	return func(ctx context.Context, creds engine.Credentials) (EC2API, error) {
		key := creds.Get(CredAccessKeyID)
		if cached, ok := cache.Load(key); ok {
			return cached.(EC2API), nil
		}

		opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
		if key != "" {
			opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				key, creds.Get(CredSecretAccessKey), creds.Get(CredSessionToken),
			)))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, engine.NewTerminalError("failed to load AWS configuration", err).
				WithCode(engine.ErrCodePermissionDenied)
		}

		client := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		actual, _ := cache.LoadOrStore(key, client)
		return actual.(EC2API), nil
	}
}

// base holds what every EC2 connector shares.
type base struct {
	cfg    Config
	logger zerolog.Logger
}

func newBase(cfg Config, t engine.ResourceType) base {
	cfg.setDefaults()
	return base{
		cfg: cfg,
		logger: cfg.Logger.With().
			Str("component", "aws-connector").
			Str("cloud", cfg.Cloud).
			Str("resource_type", string(t)).
			Logger(),
	}
}

func (b base) client(ctx context.Context, creds engine.Credentials) (EC2API, error) {
	c, err := b.cfg.Clients(ctx, creds)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (b base) chain() *rollback.Chain {
	return rollback.New(rollback.WithLogger(b.logger), rollback.WithRecorder(b.cfg.RollbackRecorder))
}

// tagSpec returns the tags put on every resource created for an order.
func tagSpec(rt types.ResourceType, order engine.OrderView, name string, extra ...types.Tag) []types.TagSpecification {
	tags := []types.Tag{{Key: aws.String(tagOrderID), Value: aws.String(order.ID)}}
	if order.User.ID != "" {
		tags = append(tags, types.Tag{Key: aws.String(tagUser), Value: aws.String(order.User.ID)})
	}
	if name != "" {
		tags = append(tags, types.Tag{Key: aws.String("Name"), Value: aws.String(name)})
	}
	tags = append(tags, extra...)
	return []types.TagSpecification{{ResourceType: rt, Tags: tags}}
}

const (
	tagOrderID = "broker:order-id"
	tagUser    = "broker:user"
	tagKeyName = "broker:key-name"
)

func orderName(order engine.OrderView, fallback string) string {
	if fallback != "" {
		return fallback
	}
	return fmt.Sprintf("broker-%s", order.ID)
}

// New returns the connectors of one EC2 cloud keyed by resource type.
func New(cfg Config) map[engine.ResourceType]engine.CloudConnector {
	return map[engine.ResourceType]engine.CloudConnector{
		engine.ResourceTypeCompute:    NewComputeConnector(cfg),
		engine.ResourceTypeNetwork:    NewNetworkConnector(cfg),
		engine.ResourceTypeVolume:     NewVolumeConnector(cfg),
		engine.ResourceTypePublicIP:   NewPublicIPConnector(cfg),
		engine.ResourceTypeAttachment: NewAttachmentConnector(cfg),
	}
}
