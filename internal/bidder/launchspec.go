package bidder

import "Drift/internal/workertype"

// LaunchSpec is the resolved set of EC2 launch parameters for one bid,
// after merging a worker-type's shared spec with its per-region and
// per-instance-type overrides.
type LaunchSpec struct {
	ImageID          string
	KeyName          string
	SubnetID         string
	SecurityGroupIDs []string
	UserData         string
}

// LaunchSpecBuilder is the out-of-scope launch-spec generator the core
// calls as a pure function (spec.md §1): template merging of shared +
// per-region + per-type overrides. The real generator is an external
// collaborator; MergingBuilder is a minimal in-process implementation
// usable for local runs and tests.
type LaunchSpecBuilder interface {
	Build(def workertype.Definition, instanceType, region string) LaunchSpec
}

// MergingBuilder merges SharedLaunchSpec with string overrides found
// on the matching RegionOption and InstanceTypeOption, region
// overrides applied after shared and instance-type overrides applied
// last (most specific wins).
type MergingBuilder struct{}

func (MergingBuilder) Build(def workertype.Definition, instanceType, region string) LaunchSpec {
	spec := LaunchSpec{}

	apply := func(overrides map[string]string) {
		if v, ok := overrides["image_id"]; ok {
			spec.ImageID = v
		}
		if v, ok := overrides["subnet_id"]; ok {
			spec.SubnetID = v
		}
		if v, ok := overrides["user_data"]; ok {
			spec.UserData = v
		}
	}

	if shared := def.SharedLaunchSpec; shared != nil {
		if v, ok := shared["image_id"].(string); ok {
			spec.ImageID = v
		}
		if v, ok := shared["subnet_id"].(string); ok {
			spec.SubnetID = v
		}
		if v, ok := shared["user_data"].(string); ok {
			spec.UserData = v
		}
		if v, ok := shared["security_group_ids"].([]string); ok {
			spec.SecurityGroupIDs = v
		} else if raw, ok := shared["security_group_ids"].([]interface{}); ok {
			for _, item := range raw {
				if s, ok := item.(string); ok {
					spec.SecurityGroupIDs = append(spec.SecurityGroupIDs, s)
				}
			}
		}
	}

	for _, r := range def.Regions {
		if r.Region == region {
			apply(r.Overrides)
			break
		}
	}
	if it, ok := def.InstanceTypeByName(instanceType); ok {
		apply(it.Overrides)
	}

	return spec
}
