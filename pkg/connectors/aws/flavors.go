package aws

import (
	"context"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/openfroyo/broker/pkg/engine"
)

// Requirement tags derived from instance type information.
const (
	TagStorage      = "storage"
	TagArchitecture = "architecture"
	TagGPU          = "gpu"
	TagBurstable    = "burstable"

	StorageEBSOnly       = "EBS-Only"
	StorageInstanceStore = "instance-store"
)

// ebsMaxGB is the disk size reported for EBS-only types, whose root volume
// is sized per order up to the largest gp3 volume.
const ebsMaxGB = 16384

// FlavorSource lists EC2 instance types as flavors.
type FlavorSource struct {
	base
	creds engine.Credentials
}

// NewFlavorSource creates a flavor source that lists instance types with creds.
func NewFlavorSource(cfg Config, creds engine.Credentials) *FlavorSource {
	return &FlavorSource{base: newBase(cfg, engine.ResourceTypeCompute), creds: creds}
}

// ListFlavors implements engine.FlavorSource.
func (s *FlavorSource) ListFlavors(ctx context.Context) ([]engine.Flavor, error) {
	client, err := s.client(ctx, s.creds)
	if err != nil {
		return nil, err
	}

	var flavors []engine.Flavor
	p := ec2.NewDescribeInstanceTypesPaginator(client, &ec2.DescribeInstanceTypesInput{
		Filters: []types.Filter{{
			Name:   aws.String("current-generation"),
			Values: []string{"true"},
		}},
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, translate(err, "DescribeInstanceTypes", s.cfg.Cloud, "")
		}
		for _, info := range page.InstanceTypes {
			flavors = append(flavors, flavorFromInstanceType(info))
		}
	}
	s.logger.Debug().Int("count", len(flavors)).Msg("Listed instance types")
	return flavors, nil
}

func flavorFromInstanceType(info types.InstanceTypeInfo) engine.Flavor {
	f := engine.Flavor{
		Name:         string(info.InstanceType),
		ID:           string(info.InstanceType),
		Requirements: map[string]string{},
	}
	if info.VCpuInfo != nil {
		f.VCPU = int(aws.ToInt32(info.VCpuInfo.DefaultVCpus))
	}
	if info.MemoryInfo != nil {
		f.MemoryMB = int(aws.ToInt64(info.MemoryInfo.SizeInMiB))
	}

	if aws.ToBool(info.InstanceStorageSupported) && info.InstanceStorageInfo != nil {
		f.DiskGB = int(aws.ToInt64(info.InstanceStorageInfo.TotalSizeInGB))
		f.Requirements[TagStorage] = StorageInstanceStore
	} else {
		f.DiskGB = ebsMaxGB
		f.Requirements[TagStorage] = StorageEBSOnly
	}
	if info.ProcessorInfo != nil && len(info.ProcessorInfo.SupportedArchitectures) > 0 {
		f.Requirements[TagArchitecture] = string(info.ProcessorInfo.SupportedArchitectures[0])
	}
	f.Requirements[TagGPU] = strconv.FormatBool(info.GpuInfo != nil && len(info.GpuInfo.Gpus) > 0)
	f.Requirements[TagBurstable] = strconv.FormatBool(aws.ToBool(info.BurstablePerformanceSupported))
	return f
}
