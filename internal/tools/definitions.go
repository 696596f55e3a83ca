package tools

import (
	"github.com/anthropics/anthropic-sdk-go"
)

// Definitions returns the tool schemas offered to the planning model.
func Definitions() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{
		{
			OfTool: &anthropic.ToolParam{
				Name:        ListInstances,
				Description: anthropic.String("List EC2 instances in the account with their name, state, platform, and IP address."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"StateFilter": map[string]interface{}{
							"type":        "string",
							"description": "Optional instance state to filter by (e.g., 'running', 'stopped')",
						},
					},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        DescribeInstances,
				Description: anthropic.String("Get detailed information about specific EC2 instances."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"InstanceIds": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "Instance IDs to describe",
						},
					},
					Required: []string{"InstanceIds"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        GetInstanceStatus,
				Description: anthropic.String("Get EC2 status checks (system and instance reachability) for specific instances, including stopped ones."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"InstanceIds": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "Instance IDs to check",
						},
					},
					Required: []string{"InstanceIds"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        GetCommandInvocation,
				Description: anthropic.String("Get the status and output of a previously dispatched SSM command on one instance."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"CommandId": map[string]interface{}{
							"type":        "string",
							"description": "The SSM command ID",
						},
						"InstanceId": map[string]interface{}{
							"type":        "string",
							"description": "The instance the command ran on",
						},
					},
					Required: []string{"CommandId", "InstanceId"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        ExecuteSSMSync,
				Description: anthropic.String("Run shell commands on instances via SSM and wait for completion. Use for quick commands (under 30 seconds). Requires user approval."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"InstanceIds": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "Target instance IDs",
						},
						"DocumentName": map[string]interface{}{
							"type":        "string",
							"description": "SSM document: AWS-RunShellScript for Linux, AWS-RunPowerShellScript for Windows (default: AWS-RunShellScript)",
						},
						"Commands": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "Shell commands to run",
						},
						"Comment": map[string]interface{}{
							"type":        "string",
							"description": "Short description of what the command does",
						},
					},
					Required: []string{"InstanceIds", "Commands"},
				},
			},
		},
		{
			OfTool: &anthropic.ToolParam{
				Name:        ExecuteSSMAsync,
				Description: anthropic.String("Run long shell commands on instances via SSM without waiting. Completion is tracked in the background and reported when done. Requires user approval."),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]interface{}{
						"InstanceIds": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "Target instance IDs",
						},
						"DocumentName": map[string]interface{}{
							"type":        "string",
							"description": "SSM document: AWS-RunShellScript for Linux, AWS-RunPowerShellScript for Windows (default: AWS-RunShellScript)",
						},
						"Commands": map[string]interface{}{
							"type":        "array",
							"items":       map[string]interface{}{"type": "string"},
							"description": "Shell commands to run",
						},
						"Comment": map[string]interface{}{
							"type":        "string",
							"description": "Short description of what the command does",
						},
						"TimeoutSeconds": map[string]interface{}{
							"type":        "integer",
							"description": "SSM execution timeout in seconds (optional)",
						},
					},
					Required: []string{"InstanceIds", "Commands"},
				},
			},
		},
	}
}
