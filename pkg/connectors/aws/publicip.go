package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/broker/pkg/engine"
)

// Synthetic cloud states for Elastic IPs, which have no status of their own.
const (
	AddressAssociated   = "associated"
	AddressUnassociated = "unassociated"
)

// PublicIPConnector allocates Elastic IPs and binds them to instances.
type PublicIPConnector struct {
	base
}

// NewPublicIPConnector creates the public IP connector of an EC2 cloud.
func NewPublicIPConnector(cfg Config) *PublicIPConnector {
	return &PublicIPConnector{base: newBase(cfg, engine.ResourceTypePublicIP)}
}

// IsReady implements engine.CloudConnector.
func (c *PublicIPConnector) IsReady(state string) bool {
	return state == AddressAssociated
}

// HasFailed implements engine.CloudConnector. An address that lost its
// instance no longer serves the order.
func (c *PublicIPConnector) HasFailed(state string) bool {
	return state == AddressUnassociated
}

// RequestInstance allocates an address and associates it, releasing the
// address again if the association fails.
func (c *PublicIPConnector) RequestInstance(ctx context.Context, req engine.InstanceRequest, creds engine.Credentials) (string, error) {
	if req.ComputeInstanceID == "" {
		return "", engine.NewTerminalError("public IP request needs a compute instance", nil).
			WithOrder(req.Order.ID).WithCode(engine.ErrCodeValidation)
	}
	client, err := c.client(ctx, creds)
	if err != nil {
		return "", err
	}

	chain := c.chain()
	var allocationID string
	err = chain.Do(ctx, "allocate-address", func(ctx context.Context) error {
		out, err := client.AllocateAddress(ctx, &ec2.AllocateAddressInput{
			Domain:            types.DomainTypeVpc,
			TagSpecifications: tagSpec(types.ResourceTypeElasticIp, req.Order, ""),
		})
		if err != nil {
			return translate(err, "AllocateAddress", c.cfg.Cloud, "")
		}
		allocationID = aws.ToString(out.AllocationId)
		return nil
	}, func(ctx context.Context) error {
		_, err := client.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(allocationID)})
		return ignoreNotFound(err)
	})
	if err != nil {
		return "", err
	}

	err = chain.Do(ctx, "associate-address", func(ctx context.Context) error {
		_, err := client.AssociateAddress(ctx, &ec2.AssociateAddressInput{
			AllocationId: aws.String(allocationID),
			InstanceId:   aws.String(req.ComputeInstanceID),
		})
		return translate(err, "AssociateAddress", c.cfg.Cloud, "")
	}, nil)
	if err != nil {
		return "", err
	}
	chain.Discard()
	return allocationID, nil
}

func (c *PublicIPConnector) describe(ctx context.Context, client EC2API, allocationID string) (*types.Address, error) {
	out, err := client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{AllocationIds: []string{allocationID}})
	if err != nil {
		return nil, translate(err, "DescribeAddresses", c.cfg.Cloud, allocationID)
	}
	if len(out.Addresses) == 0 {
		return nil, engine.NewInstanceNotFoundError(allocationID, nil).WithCloud(c.cfg.Cloud)
	}
	return &out.Addresses[0], nil
}

// GetInstance implements engine.CloudConnector.
func (c *PublicIPConnector) GetInstance(ctx context.Context, instanceID string, creds engine.Credentials) (*engine.Instance, error) {
	client, err := c.client(ctx, creds)
	if err != nil {
		return nil, err
	}
	addr, err := c.describe(ctx, client, instanceID)
	if err != nil {
		return nil, err
	}
	state := AddressUnassociated
	if aws.ToString(addr.AssociationId) != "" {
		state = AddressAssociated
	}
	return &engine.Instance{
		ID:         instanceID,
		CloudState: state,
		PublicIP: &engine.PublicIPInstance{
			IP:                aws.ToString(addr.PublicIp),
			ComputeInstanceID: aws.ToString(addr.InstanceId),
		},
	}, nil
}

// DeleteInstance disassociates and releases the address.
func (c *PublicIPConnector) DeleteInstance(ctx context.Context, instanceID string, creds engine.Credentials) error {
	client, err := c.client(ctx, creds)
	if err != nil {
		return err
	}
	addr, err := c.describe(ctx, client, instanceID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	if assoc := aws.ToString(addr.AssociationId); assoc != "" {
		_, err := client.DisassociateAddress(ctx, &ec2.DisassociateAddressInput{AssociationId: aws.String(assoc)})
		if err != nil && !isNotFound(err) {
			return translate(err, "DisassociateAddress", c.cfg.Cloud, instanceID)
		}
	}
	_, err = client.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(instanceID)})
	if err != nil && !isNotFound(err) {
		return translate(err, "ReleaseAddress", c.cfg.Cloud, instanceID)
	}
	return nil
}
