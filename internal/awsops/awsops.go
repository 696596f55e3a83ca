// Package awsops wraps the EC2 and SSM APIs behind the shared throttle
// guard. Every outbound call goes through Do so concurrency, rate, and
// circuit-breaker limits apply uniformly.
package awsops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"

	"github.com/ohlala-ops/smartops/internal/throttle"
	"github.com/ohlala-ops/smartops/internal/tracker"
)

// EC2API is the subset of the EC2 client the wrappers use.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
}

// SSMAPI is the subset of the SSM client the wrappers use.
type SSMAPI interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// Instance is a flattened EC2 instance description.
type Instance struct {
	InstanceID   string    `json:"InstanceId"`
	Name         string    `json:"Name,omitempty"`
	State        string    `json:"State"`
	Platform     string    `json:"Platform"`
	InstanceType string    `json:"InstanceType"`
	PrivateIP    string    `json:"PrivateIpAddress,omitempty"`
	LaunchTime   time.Time `json:"LaunchTime,omitempty"`
}

// InstanceStatus is a flattened EC2 status-check result.
type InstanceStatus struct {
	InstanceID     string `json:"InstanceId"`
	State          string `json:"State"`
	SystemStatus   string `json:"SystemStatus"`
	InstanceStatus string `json:"InstanceStatus"`
}

// SendCommandInput describes one SSM command dispatch.
type SendCommandInput struct {
	InstanceIDs    []string
	DocumentName   string
	Commands       []string
	Comment        string
	TimeoutSeconds int32
}

// SendCommandResult is the dispatch acknowledgment.
type SendCommandResult struct {
	CommandID    string    `json:"CommandId"`
	DocumentName string    `json:"DocumentName"`
	Status       string    `json:"Status"`
	RequestedAt  time.Time `json:"RequestedDateTime"`
	InstanceIDs  []string  `json:"InstanceIds"`
}

// CommandDetail is the full invocation record for one command on one
// instance.
type CommandDetail struct {
	CommandID      string `json:"CommandId"`
	InstanceID     string `json:"InstanceId"`
	Status         string `json:"Status"`
	ResponseCode   int32  `json:"ResponseCode"`
	StandardOutput string `json:"StandardOutputContent"`
	StandardError  string `json:"StandardErrorContent"`
}

// Client provides the throttled EC2/SSM surface the tools act through.
// It also implements tracker.StatusChecker.
type Client struct {
	ec2       EC2API
	ssm       SSMAPI
	throttler *throttle.Throttler

	logf func(format string, args ...interface{})
}

// New creates a Client from an AWS configuration. The throttler is
// required: unguarded calls defeat the point of the wrapper.
func New(cfg aws.Config, throttler *throttle.Throttler) *Client {
	return &Client{
		ec2:       ec2.NewFromConfig(cfg),
		ssm:       ssm.NewFromConfig(cfg),
		throttler: throttler,
	}
}

// NewWithAPIs creates a Client with explicit API implementations.
func NewWithAPIs(ec2api EC2API, ssmapi SSMAPI, throttler *throttle.Throttler) *Client {
	return &Client{ec2: ec2api, ssm: ssmapi, throttler: throttler}
}

// SetLogger installs a printf-style debug logger. Nil disables logging.
func (c *Client) SetLogger(logf func(format string, args ...interface{})) {
	c.logf = logf
}

func (c *Client) debugf(format string, args ...interface{}) {
	if c.logf != nil {
		c.logf(format, args...)
	}
}

// do routes a call through the throttle guard, classifying AWS throttling
// responses so they hit the rate-limit path instead of the breaker.
func (c *Client) do(ctx context.Context, operation string, call func(ctx context.Context) error) error {
	return c.throttler.Do(ctx, operation, func(ctx context.Context) error {
		err := call(ctx)
		if err != nil && isThrottlingError(err) {
			return throttle.RateLimited(err)
		}
		return err
	})
}

// isThrottlingError reports whether an AWS error is a rate-limit response.
func isThrottlingError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException":
		return true
	}
	return false
}

// ListInstances returns the instances in the account, optionally filtered
// by state name (e.g. "running").
func (c *Client) ListInstances(ctx context.Context, stateFilter string) ([]Instance, error) {
	input := &ec2.DescribeInstancesInput{}
	if stateFilter != "" {
		input.Filters = []ec2types.Filter{{
			Name:   aws.String("instance-state-name"),
			Values: []string{stateFilter},
		}}
	}

	var out *ec2.DescribeInstancesOutput
	err := c.do(ctx, "ec2.DescribeInstances", func(ctx context.Context) error {
		var callErr error
		out, callErr = c.ec2.DescribeInstances(ctx, input)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	var instances []Instance
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			instances = append(instances, flattenInstance(inst))
		}
	}
	c.debugf("awsops: listed %d instance(s) (filter %q)", len(instances), stateFilter)
	return instances, nil
}

// DescribeInstances returns details for specific instance IDs.
func (c *Client) DescribeInstances(ctx context.Context, instanceIDs []string) ([]Instance, error) {
	input := &ec2.DescribeInstancesInput{InstanceIds: instanceIDs}

	var out *ec2.DescribeInstancesOutput
	err := c.do(ctx, "ec2.DescribeInstances", func(ctx context.Context) error {
		var callErr error
		out, callErr = c.ec2.DescribeInstances(ctx, input)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("describe instances: %w", err)
	}

	var instances []Instance
	for _, reservation := range out.Reservations {
		for _, inst := range reservation.Instances {
			instances = append(instances, flattenInstance(inst))
		}
	}
	return instances, nil
}

// InstanceStatus returns the status checks for specific instance IDs,
// including stopped instances.
func (c *Client) InstanceStatus(ctx context.Context, instanceIDs []string) ([]InstanceStatus, error) {
	input := &ec2.DescribeInstanceStatusInput{
		InstanceIds:         instanceIDs,
		IncludeAllInstances: aws.Bool(true),
	}

	var out *ec2.DescribeInstanceStatusOutput
	err := c.do(ctx, "ec2.DescribeInstanceStatus", func(ctx context.Context) error {
		var callErr error
		out, callErr = c.ec2.DescribeInstanceStatus(ctx, input)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("describe instance status: %w", err)
	}

	statuses := make([]InstanceStatus, 0, len(out.InstanceStatuses))
	for _, status := range out.InstanceStatuses {
		flat := InstanceStatus{InstanceID: aws.ToString(status.InstanceId)}
		if status.InstanceState != nil {
			flat.State = string(status.InstanceState.Name)
		}
		if status.SystemStatus != nil {
			flat.SystemStatus = string(status.SystemStatus.Status)
		}
		if status.InstanceStatus != nil {
			flat.InstanceStatus = string(status.InstanceStatus.Status)
		}
		statuses = append(statuses, flat)
	}
	return statuses, nil
}

// SendCommand dispatches an SSM run-command to the given instances.
func (c *Client) SendCommand(ctx context.Context, in SendCommandInput) (*SendCommandResult, error) {
	input := &ssm.SendCommandInput{
		InstanceIds:  in.InstanceIDs,
		DocumentName: aws.String(in.DocumentName),
		Parameters:   map[string][]string{"commands": in.Commands},
	}
	if in.Comment != "" {
		input.Comment = aws.String(in.Comment)
	}
	if in.TimeoutSeconds > 0 {
		input.TimeoutSeconds = aws.Int32(in.TimeoutSeconds)
	}

	var out *ssm.SendCommandOutput
	err := c.do(ctx, "ssm.SendCommand", func(ctx context.Context) error {
		var callErr error
		out, callErr = c.ssm.SendCommand(ctx, input)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("send command: %w", err)
	}
	if out.Command == nil {
		return nil, fmt.Errorf("send command: empty response")
	}

	result := &SendCommandResult{
		CommandID:    aws.ToString(out.Command.CommandId),
		DocumentName: aws.ToString(out.Command.DocumentName),
		Status:       string(out.Command.Status),
		InstanceIDs:  in.InstanceIDs,
	}
	if out.Command.RequestedDateTime != nil {
		result.RequestedAt = *out.Command.RequestedDateTime
	}
	c.debugf("awsops: command %s dispatched to %d instance(s) via %s",
		result.CommandID, len(in.InstanceIDs), in.DocumentName)
	return result, nil
}

// GetCommandInvocation returns the invocation record for one command on
// one instance.
func (c *Client) GetCommandInvocation(ctx context.Context, commandID, instanceID string) (*CommandDetail, error) {
	input := &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	}

	var out *ssm.GetCommandInvocationOutput
	err := c.do(ctx, "ssm.GetCommandInvocation", func(ctx context.Context) error {
		var callErr error
		out, callErr = c.ssm.GetCommandInvocation(ctx, input)
		return callErr
	})
	if err != nil {
		// An InvocationDoesNotExist error keeps its code in the message;
		// the tracker treats it as transient (the record lags dispatch by
		// a few seconds).
		return nil, fmt.Errorf("get command invocation: %w", err)
	}

	return &CommandDetail{
		CommandID:      aws.ToString(out.CommandId),
		InstanceID:     aws.ToString(out.InstanceId),
		Status:         string(out.Status),
		ResponseCode:   out.ResponseCode,
		StandardOutput: aws.ToString(out.StandardOutputContent),
		StandardError:  aws.ToString(out.StandardErrorContent),
	}, nil
}

// CommandInvocation implements tracker.StatusChecker.
func (c *Client) CommandInvocation(ctx context.Context, commandID, instanceID string) (tracker.Invocation, error) {
	detail, err := c.GetCommandInvocation(ctx, commandID, instanceID)
	if err != nil {
		return tracker.Invocation{}, err
	}
	return tracker.Invocation{
		Status: tracker.ParseStatus(detail.Status),
		Stdout: detail.StandardOutput,
		Stderr: detail.StandardError,
	}, nil
}

func flattenInstance(inst ec2types.Instance) Instance {
	flat := Instance{
		InstanceID:   aws.ToString(inst.InstanceId),
		InstanceType: string(inst.InstanceType),
		PrivateIP:    aws.ToString(inst.PrivateIpAddress),
		Platform:     platformOf(inst),
	}
	if inst.State != nil {
		flat.State = string(inst.State.Name)
	}
	if inst.LaunchTime != nil {
		flat.LaunchTime = *inst.LaunchTime
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			flat.Name = aws.ToString(tag.Value)
		}
	}
	return flat
}

// platformOf normalizes the platform to "Windows" or "Linux". EC2 only
// sets the Platform field for Windows.
func platformOf(inst ec2types.Instance) string {
	if inst.Platform == ec2types.PlatformValuesWindows {
		return "Windows"
	}
	return "Linux"
}
