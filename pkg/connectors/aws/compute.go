package aws

import (
	"context"
	"encoding/base64"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/broker/pkg/engine"
)

// ComputeConnector provisions EC2 instances.
type ComputeConnector struct {
	base
}

// NewComputeConnector creates the compute connector of an EC2 cloud.
func NewComputeConnector(cfg Config) *ComputeConnector {
	return &ComputeConnector{base: newBase(cfg, engine.ResourceTypeCompute)}
}

// IsReady implements engine.CloudConnector.
func (c *ComputeConnector) IsReady(state string) bool {
	return state == string(types.InstanceStateNameRunning)
}

// HasFailed implements engine.CloudConnector.
func (c *ComputeConnector) HasFailed(state string) bool {
	switch types.InstanceStateName(state) {
	case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
		return true
	default:
		return false
	}
}

// RequestInstance imports the order's SSH key when one is given and launches
// one instance of the selected flavor.
func (c *ComputeConnector) RequestInstance(ctx context.Context, req engine.InstanceRequest, creds engine.Credentials) (string, error) {
	spec := req.Order.Spec.Compute
	if spec == nil || req.Flavor == nil {
		return "", engine.NewTerminalError("compute request needs a spec and a flavor", nil).
			WithOrder(req.Order.ID).WithCode(engine.ErrCodeValidation)
	}
	client, err := c.client(ctx, creds)
	if err != nil {
		return "", err
	}

	chain := c.chain()
	var extraTags []types.Tag

	if spec.PublicKey != "" {
		keyName := "broker-" + req.Order.ID
		err := chain.Do(ctx, "import-key-pair", func(ctx context.Context) error {
			_, err := client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
				KeyName:           aws.String(keyName),
				PublicKeyMaterial: []byte(spec.PublicKey),
			})
			return translate(err, "ImportKeyPair", c.cfg.Cloud, "")
		}, func(ctx context.Context) error {
			_, err := client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(keyName)})
			return err
		})
		if err != nil {
			return "", err
		}
		extraTags = append(extraTags, types.Tag{Key: aws.String(tagKeyName), Value: aws.String(keyName)})
	}

	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(imageFor(spec, req.Flavor)),
		InstanceType: types.InstanceType(req.Flavor.ID),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: tagSpec(types.ResourceTypeInstance, req.Order,
			orderName(req.Order, spec.Name), extraTags...),
	}
	if len(extraTags) > 0 {
		in.KeyName = extraTags[0].Value
	}
	if req.UserData != "" {
		in.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(req.UserData)))
	}
	if disk := spec.DiskGB; disk > 0 {
		in.BlockDeviceMappings = []types.BlockDeviceMapping{{
			DeviceName: aws.String(c.cfg.RootDevice),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(int32(disk)),
				DeleteOnTermination: aws.Bool(true),
			},
		}}
	}
	if subnet, groups := c.placement(req.NetworkInstanceIDs); subnet != "" {
		in.SubnetId = aws.String(subnet)
		in.SecurityGroupIds = groups
	}

	var instanceID string
	err = chain.Do(ctx, "run-instances", func(ctx context.Context) error {
		out, err := client.RunInstances(ctx, in)
		if err != nil {
			return translate(err, "RunInstances", c.cfg.Cloud, "")
		}
		if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
			return engine.NewUnexpectedError("RunInstances returned no instance", nil)
		}
		instanceID = aws.ToString(out.Instances[0].InstanceId)
		return nil
	}, nil)
	if err != nil {
		return "", err
	}
	chain.Discard()

	c.logger.Info().
		Str("order_id", req.Order.ID).
		Str("instance_id", instanceID).
		Str("instance_type", req.Flavor.ID).
		Msg("Launched instance")
	return instanceID, nil
}

// placement resolves the subnet and security groups for an instance from the
// first network id, falling back to the configured default subnet.
func (c *ComputeConnector) placement(networkIDs []string) (string, []string) {
	for _, id := range networkIDs {
		if n, ok := parseNetworkID(id); ok {
			return n.Subnet, []string{n.SecurityGroup}
		}
		return id, nil
	}
	return c.cfg.DefaultSubnetID, nil
}

func imageFor(spec *engine.ComputeSpec, f *engine.Flavor) string {
	if f.ImageID != "" {
		return f.ImageID
	}
	return spec.ImageID
}

func (c *ComputeConnector) describe(ctx context.Context, client EC2API, instanceID string) (*types.Instance, error) {
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return nil, translate(err, "DescribeInstances", c.cfg.Cloud, instanceID)
	}
	for _, r := range out.Reservations {
		for i := range r.Instances {
			if aws.ToString(r.Instances[i].InstanceId) == instanceID {
				return &r.Instances[i], nil
			}
		}
	}
	return nil, engine.NewInstanceNotFoundError(instanceID, nil).WithCloud(c.cfg.Cloud)
}

// GetInstance implements engine.CloudConnector. Terminated instances are
// reported as not found.
func (c *ComputeConnector) GetInstance(ctx context.Context, instanceID string, creds engine.Credentials) (*engine.Instance, error) {
	client, err := c.client(ctx, creds)
	if err != nil {
		return nil, err
	}
	inst, err := c.describe(ctx, client, instanceID)
	if err != nil {
		return nil, err
	}

	state := ""
	if inst.State != nil {
		state = string(inst.State.Name)
	}
	if types.InstanceStateName(state) == types.InstanceStateNameTerminated {
		return nil, engine.NewInstanceNotFoundError(instanceID, nil).WithCloud(c.cfg.Cloud)
	}

	var ips []string
	if ip := aws.ToString(inst.PrivateIpAddress); ip != "" {
		ips = append(ips, ip)
	}
	if ip := aws.ToString(inst.PublicIpAddress); ip != "" {
		ips = append(ips, ip)
	}
	view := &engine.Instance{
		ID:         instanceID,
		CloudState: state,
		Name:       tagValue(inst.Tags, "Name"),
		Compute: &engine.ComputeInstance{
			ImageID:     aws.ToString(inst.ImageId),
			Flavor:      string(inst.InstanceType),
			IPAddresses: ips,
		},
	}
	if inst.CpuOptions != nil {
		view.Compute.VCPU = int(aws.ToInt32(inst.CpuOptions.CoreCount) * max(aws.ToInt32(inst.CpuOptions.ThreadsPerCore), 1))
	}
	return view, nil
}

// DeleteInstance terminates the instance and removes the key pair imported
// for it. Unknown instances are treated as already deleted.
func (c *ComputeConnector) DeleteInstance(ctx context.Context, instanceID string, creds engine.Credentials) error {
	client, err := c.client(ctx, creds)
	if err != nil {
		return err
	}

	inst, err := c.describe(ctx, client, instanceID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	if _, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return translate(err, "TerminateInstances", c.cfg.Cloud, instanceID)
	}

	if keyName := tagValue(inst.Tags, tagKeyName); keyName != "" {
		if _, err := client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(keyName)}); err != nil && !isNotFound(err) {
			c.logger.Warn().Err(err).Str("key_name", keyName).Msg("Failed to delete key pair")
		}
	}
	return nil
}

func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}
