package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/broker/pkg/engine"
)

// VolumeConnector provisions EBS volumes.
type VolumeConnector struct {
	base
}

// NewVolumeConnector creates the volume connector of an EC2 cloud.
func NewVolumeConnector(cfg Config) *VolumeConnector {
	return &VolumeConnector{base: newBase(cfg, engine.ResourceTypeVolume)}
}

// IsReady implements engine.CloudConnector.
func (c *VolumeConnector) IsReady(state string) bool {
	switch types.VolumeState(state) {
	case types.VolumeStateAvailable, types.VolumeStateInUse:
		return true
	default:
		return false
	}
}

// HasFailed implements engine.CloudConnector.
func (c *VolumeConnector) HasFailed(state string) bool {
	return types.VolumeState(state) == types.VolumeStateError
}

// RequestInstance implements engine.CloudConnector.
func (c *VolumeConnector) RequestInstance(ctx context.Context, req engine.InstanceRequest, creds engine.Credentials) (string, error) {
	spec := req.Order.Spec.Volume
	if spec == nil || spec.SizeGB <= 0 {
		return "", engine.NewTerminalError("volume request needs a positive size", nil).
			WithOrder(req.Order.ID).WithCode(engine.ErrCodeValidation)
	}
	if c.cfg.AvailabilityZone == "" {
		return "", engine.NewTerminalError("volume connector has no availability zone configured", nil).
			WithOrder(req.Order.ID).WithCode(engine.ErrCodeValidation)
	}
	client, err := c.client(ctx, creds)
	if err != nil {
		return "", err
	}

	out, err := client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone:  aws.String(c.cfg.AvailabilityZone),
		Size:              aws.Int32(int32(spec.SizeGB)),
		VolumeType:        types.VolumeTypeGp3,
		TagSpecifications: tagSpec(types.ResourceTypeVolume, req.Order, orderName(req.Order, spec.Name)),
	})
	if err != nil {
		return "", translate(err, "CreateVolume", c.cfg.Cloud, "")
	}
	return aws.ToString(out.VolumeId), nil
}

func describeVolume(ctx context.Context, client EC2API, cloud, volumeID string) (*types.Volume, error) {
	out, err := client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}})
	if err != nil {
		return nil, translate(err, "DescribeVolumes", cloud, volumeID)
	}
	if len(out.Volumes) == 0 || out.Volumes[0].State == types.VolumeStateDeleted {
		return nil, engine.NewInstanceNotFoundError(volumeID, nil).WithCloud(cloud)
	}
	return &out.Volumes[0], nil
}

// GetInstance implements engine.CloudConnector.
func (c *VolumeConnector) GetInstance(ctx context.Context, instanceID string, creds engine.Credentials) (*engine.Instance, error) {
	client, err := c.client(ctx, creds)
	if err != nil {
		return nil, err
	}
	vol, err := describeVolume(ctx, client, c.cfg.Cloud, instanceID)
	if err != nil {
		return nil, err
	}
	return &engine.Instance{
		ID:         instanceID,
		CloudState: string(vol.State),
		Name:       tagValue(vol.Tags, "Name"),
		Volume:     &engine.VolumeInstance{SizeGB: int(aws.ToInt32(vol.Size))},
	}, nil
}

// DeleteInstance implements engine.CloudConnector.
func (c *VolumeConnector) DeleteInstance(ctx context.Context, instanceID string, creds engine.Credentials) error {
	client, err := c.client(ctx, creds)
	if err != nil {
		return err
	}
	_, err = client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(instanceID)})
	if err != nil && !isNotFound(err) {
		return translate(err, "DeleteVolume", c.cfg.Cloud, instanceID)
	}
	return nil
}
