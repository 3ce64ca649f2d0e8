// Package ec2 implements cloud.Adapter against live AWS EC2 spot
// infrastructure. Grounded on the teacher's internal/provider/ec2:
// same aws-sdk-go-v2 client construction via awsconfig.LoadDefaultConfig,
// same slog-tagged logger injection, same tag-building helpers — but
// spot-only (no on-demand RunInstances branch) and region-
// parameterized per call instead of baked into one client.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"Drift/internal/cloud"
	"Drift/internal/fleet"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	smithy "github.com/aws/smithy-go"
	"github.com/google/uuid"
)

var liveInstanceStates = []string{"pending", "running", "stopping"}
var deadInstanceStates = []string{"shutting-down", "terminated"}

// Adapter implements cloud.Adapter, lazily constructing one EC2
// client per region.
type Adapter struct {
	mu      sync.RWMutex
	clients map[string]*ec2.Client
	logger  *slog.Logger
}

// New creates an EC2 adapter. Per-region clients are created on first
// use rather than up front, so the allowed-regions list can grow
// across restarts without code changes.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{
		clients: make(map[string]*ec2.Client),
		logger:  logger.With("component", "ec2-adapter"),
	}
}

func (a *Adapter) client(ctx context.Context, region string) (*ec2.Client, error) {
	a.mu.RLock()
	c, ok := a.clients[region]
	a.mu.RUnlock()
	if ok {
		return c, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[region]; ok {
		return c, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for %s: %w", region, err)
	}
	c = ec2.NewFromConfig(awsCfg)
	a.clients[region] = c
	return c, nil
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestLimitExceeded", "Throttling", "InternalError", "ServiceUnavailable":
			return cloud.Transient(err)
		}
	}
	return err
}

func (a *Adapter) DescribeInstances(ctx context.Context, region string, dead bool) ([]fleet.Instance, error) {
	c, err := a.client(ctx, region)
	if err != nil {
		return nil, err
	}

	states := liveInstanceStates
	if dead {
		states = deadInstanceStates
	}

	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("instance-state-name"), Values: states},
		},
	}

	result, err := c.DescribeInstances(ctx, input)
	if err != nil {
		return nil, classifyErr(fmt.Errorf("describe instances in %s: %w", region, err))
	}

	var out []fleet.Instance
	for _, reservation := range result.Reservations {
		for _, inst := range reservation.Instances {
			out = append(out, instanceFromAPI(region, inst))
		}
	}
	return out, nil
}

func (a *Adapter) DescribeSpotRequests(ctx context.Context, region string, resolved bool) ([]fleet.Request, error) {
	c, err := a.client(ctx, region)
	if err != nil {
		return nil, err
	}

	var stateValues []string
	if resolved {
		stateValues = []string{"active", "cancelled", "failed", "closed"}
	} else {
		stateValues = []string{"open"}
	}

	input := &ec2.DescribeSpotInstanceRequestsInput{
		Filters: []types.Filter{
			{Name: aws.String("state"), Values: stateValues},
		},
	}

	result, err := c.DescribeSpotInstanceRequests(ctx, input)
	if err != nil {
		return nil, classifyErr(fmt.Errorf("describe spot requests in %s: %w", region, err))
	}

	out := make([]fleet.Request, 0, len(result.SpotInstanceRequests))
	for _, req := range result.SpotInstanceRequests {
		out = append(out, requestFromAPI(region, req))
	}
	return out, nil
}

func (a *Adapter) RequestSpot(ctx context.Context, in cloud.SpotBidInput) (string, error) {
	c, err := a.client(ctx, in.Region)
	if err != nil {
		return "", err
	}

	launchSpec := &types.RequestSpotLaunchSpecification{
		ImageId:          aws.String(in.ImageID),
		InstanceType:     types.InstanceType(in.InstanceType),
		SecurityGroupIds: in.SecurityGroupIDs,
	}
	if in.SubnetID != "" {
		launchSpec.SubnetId = aws.String(in.SubnetID)
	}
	if in.KeyName != "" {
		launchSpec.KeyName = aws.String(in.KeyName)
	}
	if in.UserData != "" {
		launchSpec.UserData = aws.String(in.UserData)
	}
	if in.Zone != "" {
		launchSpec.Placement = &types.SpotPlacement{AvailabilityZone: aws.String(in.Zone)}
	}

	clientToken := in.ClientToken
	if clientToken == "" {
		clientToken = uuid.New().String()
	}

	input := &ec2.RequestSpotInstancesInput{
		SpotPrice:            aws.String(fmt.Sprintf("%.6f", in.BidPrice)),
		InstanceCount:        aws.Int32(1),
		Type:                 types.SpotInstanceTypeOneTime,
		LaunchSpecification:  launchSpec,
		ClientToken:          aws.String(clientToken),
	}

	result, err := c.RequestSpotInstances(ctx, input)
	if err != nil {
		return "", classifyErr(fmt.Errorf("request spot instance in %s: %w", in.Region, err))
	}
	if len(result.SpotInstanceRequests) == 0 {
		return "", fmt.Errorf("no spot request returned for %s/%s", in.Region, in.InstanceType)
	}

	requestID := aws.ToString(result.SpotInstanceRequests[0].SpotInstanceRequestId)

	if len(in.Tags) > 0 {
		if err := a.CreateTags(ctx, in.Region, []string{requestID}, in.Tags); err != nil {
			a.logger.Warn("failed to tag spot request", "request_id", requestID, "error", err)
		}
	}

	return requestID, nil
}

func (a *Adapter) TerminateInstances(ctx context.Context, region string, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	c, err := a.client(ctx, region)
	if err != nil {
		return err
	}
	_, err = c.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: instanceIDs})
	if err != nil {
		return classifyErr(fmt.Errorf("terminate instances in %s: %w", region, err))
	}
	return nil
}

func (a *Adapter) CancelSpotRequests(ctx context.Context, region string, requestIDs []string) error {
	if len(requestIDs) == 0 {
		return nil
	}
	c, err := a.client(ctx, region)
	if err != nil {
		return err
	}
	_, err = c.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{SpotInstanceRequestIds: requestIDs})
	if err != nil {
		return classifyErr(fmt.Errorf("cancel spot requests in %s: %w", region, err))
	}
	return nil
}

func (a *Adapter) ImportKeyPair(ctx context.Context, region, keyName, publicKeyBody string) error {
	c, err := a.client(ctx, region)
	if err != nil {
		return err
	}
	_, err = c.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(keyName),
		PublicKeyMaterial: []byte(publicKeyBody),
	})
	if err != nil {
		return classifyErr(fmt.Errorf("import key pair %s in %s: %w", keyName, region, err))
	}
	return nil
}

func (a *Adapter) DescribeKeyPairs(ctx context.Context, region string) (map[string]bool, error) {
	c, err := a.client(ctx, region)
	if err != nil {
		return nil, err
	}
	result, err := c.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{})
	if err != nil {
		return nil, classifyErr(fmt.Errorf("describe key pairs in %s: %w", region, err))
	}
	out := make(map[string]bool, len(result.KeyPairs))
	for _, kp := range result.KeyPairs {
		out[aws.ToString(kp.KeyName)] = true
	}
	return out, nil
}

func (a *Adapter) DeleteKeyPair(ctx context.Context, region, keyName string) error {
	c, err := a.client(ctx, region)
	if err != nil {
		return err
	}
	_, err = c.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(keyName)})
	if err != nil {
		return classifyErr(fmt.Errorf("delete key pair %s in %s: %w", keyName, region, err))
	}
	return nil
}

func (a *Adapter) CreateTags(ctx context.Context, region string, resourceIDs []string, tags map[string]string) error {
	if len(resourceIDs) == 0 || len(tags) == 0 {
		return nil
	}
	c, err := a.client(ctx, region)
	if err != nil {
		return err
	}

	apiTags := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		apiTags = append(apiTags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	_, err = c.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: resourceIDs,
		Tags:      apiTags,
	})
	if err != nil {
		return classifyErr(fmt.Errorf("create tags in %s: %w", region, err))
	}
	return nil
}

func instanceFromAPI(region string, inst types.Instance) fleet.Instance {
	out := fleet.Instance{
		InstanceID:   aws.ToString(inst.InstanceId),
		Region:       region,
		InstanceType: string(inst.InstanceType),
		ImageID:      aws.ToString(inst.ImageId),
		KeyName:      aws.ToString(inst.KeyName),
		SpotRequestID: aws.ToString(inst.SpotInstanceRequestId),
	}
	if inst.Placement != nil {
		out.Zone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	if inst.LaunchTime != nil {
		out.LaunchTime = *inst.LaunchTime
	}
	if inst.State != nil {
		out.State = fleet.InstanceState(inst.State.Name)
	}
	if inst.StateReason != nil && aws.ToString(inst.StateReason.Code) != "" {
		out.StateReason = &fleet.StateReason{
			Code:    aws.ToString(inst.StateReason.Code),
			Message: aws.ToString(inst.StateReason.Message),
		}
	}
	return out
}

func requestFromAPI(region string, req types.SpotInstanceRequest) fleet.Request {
	out := fleet.Request{
		RequestID:  aws.ToString(req.SpotInstanceRequestId),
		Region:     region,
		State:      fleet.RequestState(req.State),
		InstanceID: aws.ToString(req.InstanceId),
	}
	if req.LaunchSpecification != nil {
		out.InstanceType = string(req.LaunchSpecification.InstanceType)
		out.ImageID = aws.ToString(req.LaunchSpecification.ImageId)
		out.KeyName = aws.ToString(req.LaunchSpecification.KeyName)
		if req.LaunchSpecification.Placement != nil {
			out.Zone = aws.ToString(req.LaunchSpecification.Placement.AvailabilityZone)
		}
	}
	if req.CreateTime != nil {
		out.CreateTime = *req.CreateTime
	}
	if req.Status != nil {
		out.StatusCode = fleet.StatusCode(aws.ToString(req.Status.Code))
		out.StatusMessage = aws.ToString(req.Status.Message)
		if req.Status.UpdateTime != nil {
			out.StatusUpdateTime = *req.Status.UpdateTime
		}
	}
	if req.SpotPrice != nil {
		fmt.Sscanf(aws.ToString(req.SpotPrice), "%f", &out.BidPrice)
	}
	return out
}

