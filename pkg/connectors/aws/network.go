package aws

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/broker/pkg/engine"
	"github.com/openfroyo/broker/pkg/rollback"
)

// networkID is the instance id of a network order. It records every object
// created for the network so deletion needs no discovery calls.
type networkID struct {
	VPC           string
	Gateway       string
	RouteTable    string
	Association   string
	Subnet        string
	SecurityGroup string
}

const networkIDSep = ":"

func (n networkID) String() string {
	return strings.Join([]string{n.VPC, n.Gateway, n.RouteTable, n.Association, n.Subnet, n.SecurityGroup}, networkIDSep)
}

func parseNetworkID(s string) (networkID, bool) {
	parts := strings.Split(s, networkIDSep)
	if len(parts) != 6 || !strings.HasPrefix(parts[0], "vpc-") {
		return networkID{}, false
	}
	return networkID{
		VPC:           parts[0],
		Gateway:       parts[1],
		RouteTable:    parts[2],
		Association:   parts[3],
		Subnet:        parts[4],
		SecurityGroup: parts[5],
	}, true
}

// NetworkConnector provisions a VPC with internet access, one subnet and a
// security group.
type NetworkConnector struct {
	base
}

// NewNetworkConnector creates the network connector of an EC2 cloud.
func NewNetworkConnector(cfg Config) *NetworkConnector {
	return &NetworkConnector{base: newBase(cfg, engine.ResourceTypeNetwork)}
}

// IsReady implements engine.CloudConnector.
func (c *NetworkConnector) IsReady(state string) bool {
	return state == string(types.VpcStateAvailable)
}

// HasFailed implements engine.CloudConnector. VPCs have no failed state.
func (c *NetworkConnector) HasFailed(state string) bool {
	return false
}

// RequestInstance creates the network. Any failure compensates the steps
// already completed before returning.
func (c *NetworkConnector) RequestInstance(ctx context.Context, req engine.InstanceRequest, creds engine.Credentials) (string, error) {
	spec := req.Order.Spec.Network
	if spec == nil {
		return "", engine.NewTerminalError("network request needs a spec", nil).
			WithOrder(req.Order.ID).WithCode(engine.ErrCodeValidation)
	}
	if _, _, err := net.ParseCIDR(spec.CIDR); err != nil {
		return "", engine.NewTerminalError(fmt.Sprintf("invalid CIDR %q", spec.CIDR), err).
			WithOrder(req.Order.ID).WithCode(engine.ErrCodeValidation)
	}
	client, err := c.client(ctx, creds)
	if err != nil {
		return "", err
	}

	var id networkID
	chain := c.chain()
	name := orderName(req.Order, spec.Name)
	cloud := c.cfg.Cloud

	steps := []struct {
		name string
		do   func(ctx context.Context) error
		undo rollback.Compensation
	}{
		{
			name: "create-vpc",
			do: func(ctx context.Context) error {
				out, err := client.CreateVpc(ctx, &ec2.CreateVpcInput{
					CidrBlock:         aws.String(spec.CIDR),
					TagSpecifications: tagSpec(types.ResourceTypeVpc, req.Order, name),
				})
				if err != nil {
					return translate(err, "CreateVpc", cloud, "")
				}
				id.VPC = aws.ToString(out.Vpc.VpcId)
				return nil
			},
			undo: func(ctx context.Context) error {
				_, err := client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(id.VPC)})
				return ignoreNotFound(err)
			},
		},
		{
			name: "modify-vpc-attribute",
			do: func(ctx context.Context) error {
				_, err := client.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
					VpcId:              aws.String(id.VPC),
					EnableDnsHostnames: &types.AttributeBooleanValue{Value: aws.Bool(true)},
				})
				return translate(err, "ModifyVpcAttribute", cloud, "")
			},
		},
		{
			name: "create-internet-gateway",
			do: func(ctx context.Context) error {
				out, err := client.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
					TagSpecifications: tagSpec(types.ResourceTypeInternetGateway, req.Order, name),
				})
				if err != nil {
					return translate(err, "CreateInternetGateway", cloud, "")
				}
				id.Gateway = aws.ToString(out.InternetGateway.InternetGatewayId)
				return nil
			},
			undo: func(ctx context.Context) error {
				_, err := client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
					InternetGatewayId: aws.String(id.Gateway),
				})
				return ignoreNotFound(err)
			},
		},
		{
			name: "attach-internet-gateway",
			do: func(ctx context.Context) error {
				_, err := client.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
					InternetGatewayId: aws.String(id.Gateway),
					VpcId:             aws.String(id.VPC),
				})
				return translate(err, "AttachInternetGateway", cloud, "")
			},
			undo: func(ctx context.Context) error {
				_, err := client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
					InternetGatewayId: aws.String(id.Gateway),
					VpcId:             aws.String(id.VPC),
				})
				return ignoreNotFound(err)
			},
		},
		{
			name: "create-route-table",
			do: func(ctx context.Context) error {
				out, err := client.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
					VpcId:             aws.String(id.VPC),
					TagSpecifications: tagSpec(types.ResourceTypeRouteTable, req.Order, name),
				})
				if err != nil {
					return translate(err, "CreateRouteTable", cloud, "")
				}
				id.RouteTable = aws.ToString(out.RouteTable.RouteTableId)
				return nil
			},
			undo: func(ctx context.Context) error {
				_, err := client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(id.RouteTable)})
				return ignoreNotFound(err)
			},
		},
		{
			name: "create-route",
			do: func(ctx context.Context) error {
				_, err := client.CreateRoute(ctx, &ec2.CreateRouteInput{
					RouteTableId:         aws.String(id.RouteTable),
					DestinationCidrBlock: aws.String("0.0.0.0/0"),
					GatewayId:            aws.String(id.Gateway),
				})
				return translate(err, "CreateRoute", cloud, "")
			},
			undo: func(ctx context.Context) error {
				_, err := client.DeleteRoute(ctx, &ec2.DeleteRouteInput{
					RouteTableId:         aws.String(id.RouteTable),
					DestinationCidrBlock: aws.String("0.0.0.0/0"),
				})
				return ignoreNotFound(err)
			},
		},
		{
			name: "create-subnet",
			do: func(ctx context.Context) error {
				in := &ec2.CreateSubnetInput{
					VpcId:             aws.String(id.VPC),
					CidrBlock:         aws.String(spec.CIDR),
					TagSpecifications: tagSpec(types.ResourceTypeSubnet, req.Order, name),
				}
				if c.cfg.AvailabilityZone != "" {
					in.AvailabilityZone = aws.String(c.cfg.AvailabilityZone)
				}
				out, err := client.CreateSubnet(ctx, in)
				if err != nil {
					return translate(err, "CreateSubnet", cloud, "")
				}
				id.Subnet = aws.ToString(out.Subnet.SubnetId)
				return nil
			},
			undo: func(ctx context.Context) error {
				_, err := client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id.Subnet)})
				return ignoreNotFound(err)
			},
		},
		{
			name: "associate-route-table",
			do: func(ctx context.Context) error {
				out, err := client.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
					RouteTableId: aws.String(id.RouteTable),
					SubnetId:     aws.String(id.Subnet),
				})
				if err != nil {
					return translate(err, "AssociateRouteTable", cloud, "")
				}
				id.Association = aws.ToString(out.AssociationId)
				return nil
			},
			undo: func(ctx context.Context) error {
				_, err := client.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{
					AssociationId: aws.String(id.Association),
				})
				return ignoreNotFound(err)
			},
		},
		{
			name: "create-security-group",
			do: func(ctx context.Context) error {
				out, err := client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
					GroupName:         aws.String(name),
					Description:       aws.String("broker network " + req.Order.ID),
					VpcId:             aws.String(id.VPC),
					TagSpecifications: tagSpec(types.ResourceTypeSecurityGroup, req.Order, name),
				})
				if err != nil {
					return translate(err, "CreateSecurityGroup", cloud, "")
				}
				id.SecurityGroup = aws.ToString(out.GroupId)
				return nil
			},
			undo: func(ctx context.Context) error {
				_, err := client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id.SecurityGroup)})
				return ignoreNotFound(err)
			},
		},
		{
			name: "authorize-ingress",
			do: func(ctx context.Context) error {
				_, err := client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
					GroupId:       aws.String(id.SecurityGroup),
					IpPermissions: c.ingress(),
				})
				return translate(err, "AuthorizeSecurityGroupIngress", cloud, "")
			},
		},
	}

	for _, s := range steps {
		if err := chain.Do(ctx, s.name, s.do, s.undo); err != nil {
			c.logger.Warn().Err(err).Str("order_id", req.Order.ID).Str("step", s.name).Msg("Network creation rolled back")
			return "", err
		}
	}
	chain.Discard()

	c.logger.Info().Str("order_id", req.Order.ID).Str("vpc_id", id.VPC).Msg("Created network")
	return id.String(), nil
}

func (c *NetworkConnector) ingress() []types.IpPermission {
	return []types.IpPermission{{
		IpProtocol: aws.String("-1"),
		IpRanges:   []types.IpRange{{CidrIp: aws.String(c.cfg.IngressCIDR)}},
	}}
}

// GetInstance implements engine.CloudConnector.
func (c *NetworkConnector) GetInstance(ctx context.Context, instanceID string, creds engine.Credentials) (*engine.Instance, error) {
	id, ok := parseNetworkID(instanceID)
	if !ok {
		return nil, engine.NewInstanceNotFoundError(instanceID, nil).WithCloud(c.cfg.Cloud)
	}
	client, err := c.client(ctx, creds)
	if err != nil {
		return nil, err
	}

	out, err := client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{id.VPC}})
	if err != nil {
		return nil, translate(err, "DescribeVpcs", c.cfg.Cloud, instanceID)
	}
	if len(out.Vpcs) == 0 {
		return nil, engine.NewInstanceNotFoundError(instanceID, nil).WithCloud(c.cfg.Cloud)
	}
	vpc := out.Vpcs[0]

	return &engine.Instance{
		ID:         instanceID,
		CloudState: string(vpc.State),
		Name:       tagValue(vpc.Tags, "Name"),
		Network: &engine.NetworkInstance{
			CIDR:       aws.ToString(vpc.CidrBlock),
			Allocation: engine.AllocationDynamic,
		},
	}, nil
}

// DeleteInstance tears the network down in reverse creation order. Objects
// that are already gone are skipped.
func (c *NetworkConnector) DeleteInstance(ctx context.Context, instanceID string, creds engine.Credentials) error {
	id, ok := parseNetworkID(instanceID)
	if !ok {
		return nil
	}
	client, err := c.client(ctx, creds)
	if err != nil {
		return err
	}

	calls := []struct {
		op string
		fn func() error
	}{
		{"DeleteSecurityGroup", func() error {
			_, err := client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id.SecurityGroup)})
			return err
		}},
		{"DisassociateRouteTable", func() error {
			_, err := client.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{AssociationId: aws.String(id.Association)})
			return err
		}},
		{"DeleteSubnet", func() error {
			_, err := client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id.Subnet)})
			return err
		}},
		{"DeleteRouteTable", func() error {
			_, err := client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(id.RouteTable)})
			return err
		}},
		{"DetachInternetGateway", func() error {
			_, err := client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
				InternetGatewayId: aws.String(id.Gateway),
				VpcId:             aws.String(id.VPC),
			})
			return err
		}},
		{"DeleteInternetGateway", func() error {
			_, err := client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: aws.String(id.Gateway)})
			return err
		}},
		{"DeleteVpc", func() error {
			_, err := client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(id.VPC)})
			return err
		}},
	}

	for _, call := range calls {
		if err := call.fn(); err != nil && !isNotFound(err) && !isGatewayNotAttached(err) {
			return translate(err, call.op, c.cfg.Cloud, instanceID)
		}
	}
	return nil
}

func ignoreNotFound(err error) error {
	if err == nil || isNotFound(err) {
		return nil
	}
	return err
}
