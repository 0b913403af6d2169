package aws

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/broker/pkg/engine"
)

// DefaultDevice is used when an attachment order names no device.
const DefaultDevice = "/dev/sdf"

// AttachmentConnector attaches EBS volumes to instances. The instance id of
// an attachment is "<volume id>:<instance id>".
type AttachmentConnector struct {
	base
}

// NewAttachmentConnector creates the attachment connector of an EC2 cloud.
func NewAttachmentConnector(cfg Config) *AttachmentConnector {
	return &AttachmentConnector{base: newBase(cfg, engine.ResourceTypeAttachment)}
}

// IsReady implements engine.CloudConnector.
func (c *AttachmentConnector) IsReady(state string) bool {
	switch types.VolumeAttachmentState(state) {
	case types.VolumeAttachmentStateAttached, types.VolumeAttachmentStateBusy:
		return true
	default:
		return false
	}
}

// HasFailed implements engine.CloudConnector.
func (c *AttachmentConnector) HasFailed(state string) bool {
	return types.VolumeAttachmentState(state) == types.VolumeAttachmentStateDetached
}

// RequestInstance implements engine.CloudConnector.
func (c *AttachmentConnector) RequestInstance(ctx context.Context, req engine.InstanceRequest, creds engine.Credentials) (string, error) {
	if req.ComputeInstanceID == "" || req.VolumeInstanceID == "" {
		return "", engine.NewTerminalError("attachment request needs a compute instance and a volume", nil).
			WithOrder(req.Order.ID).WithCode(engine.ErrCodeValidation)
	}
	device := DefaultDevice
	if spec := req.Order.Spec.Attachment; spec != nil && spec.Device != "" {
		device = spec.Device
	}
	client, err := c.client(ctx, creds)
	if err != nil {
		return "", err
	}

	_, err = client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(device),
		InstanceId: aws.String(req.ComputeInstanceID),
		VolumeId:   aws.String(req.VolumeInstanceID),
	})
	if err != nil {
		return "", translate(err, "AttachVolume", c.cfg.Cloud, "")
	}
	return req.VolumeInstanceID + ":" + req.ComputeInstanceID, nil
}

func splitAttachmentID(id string) (volumeID, instanceID string, ok bool) {
	volumeID, instanceID, ok = strings.Cut(id, ":")
	return volumeID, instanceID, ok && volumeID != "" && instanceID != ""
}

// GetInstance implements engine.CloudConnector.
func (c *AttachmentConnector) GetInstance(ctx context.Context, instanceID string, creds engine.Credentials) (*engine.Instance, error) {
	volumeID, computeID, ok := splitAttachmentID(instanceID)
	if !ok {
		return nil, engine.NewInstanceNotFoundError(instanceID, nil).WithCloud(c.cfg.Cloud)
	}
	client, err := c.client(ctx, creds)
	if err != nil {
		return nil, err
	}
	vol, err := describeVolume(ctx, client, c.cfg.Cloud, volumeID)
	if err != nil {
		if engine.IsInstanceNotFound(err) {
			return nil, engine.NewInstanceNotFoundError(instanceID, err).WithCloud(c.cfg.Cloud)
		}
		return nil, err
	}
	for _, att := range vol.Attachments {
		if aws.ToString(att.InstanceId) != computeID {
			continue
		}
		return &engine.Instance{
			ID:         instanceID,
			CloudState: string(att.State),
			Attachment: &engine.AttachmentInstance{
				ComputeInstanceID: computeID,
				VolumeInstanceID:  volumeID,
				Device:            aws.ToString(att.Device),
			},
		}, nil
	}
	return nil, engine.NewInstanceNotFoundError(instanceID, nil).WithCloud(c.cfg.Cloud)
}

// DeleteInstance detaches the volume.
func (c *AttachmentConnector) DeleteInstance(ctx context.Context, instanceID string, creds engine.Credentials) error {
	volumeID, computeID, ok := splitAttachmentID(instanceID)
	if !ok {
		return nil
	}
	client, err := c.client(ctx, creds)
	if err != nil {
		return err
	}
	_, err = client.DetachVolume(ctx, &ec2.DetachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(computeID),
	})
	if err != nil && !isNotFound(err) && !isNotAttached(err) {
		return translate(err, "DetachVolume", c.cfg.Cloud, instanceID)
	}
	return nil
}
