// Package tools defines the operational tool catalog the planner can
// invoke and the runner that dispatches invocations to AWS.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ohlala-ops/smartops/internal/awsops"
	"github.com/ohlala-ops/smartops/internal/orchestrator"
)

// Tool names. The execute_* pair follows snake_case because the planning
// model was tuned on that form; the read-only tools use the MCP-style
// kebab names the original tool server exposed.
const (
	ListInstances        = "list-instances"
	DescribeInstances    = "describe-instances"
	GetInstanceStatus    = "get-instance-status"
	GetCommandInvocation = "get-command-invocation"
	ExecuteSSMSync       = "execute_ssm_sync"
	ExecuteSSMAsync      = "execute_ssm_async"
)

// Names returns every tool name in catalog order.
func Names() []string {
	return []string{
		ListInstances,
		DescribeInstances,
		GetInstanceStatus,
		GetCommandInvocation,
		ExecuteSSMSync,
		ExecuteSSMAsync,
	}
}

// Infra is the AWS surface the tools act through.
type Infra interface {
	ListInstances(ctx context.Context, stateFilter string) ([]awsops.Instance, error)
	DescribeInstances(ctx context.Context, instanceIDs []string) ([]awsops.Instance, error)
	InstanceStatus(ctx context.Context, instanceIDs []string) ([]awsops.InstanceStatus, error)
	GetCommandInvocation(ctx context.Context, commandID, instanceID string) (*awsops.CommandDetail, error)
	SendCommand(ctx context.Context, in awsops.SendCommandInput) (*awsops.SendCommandResult, error)
}

// Typed inputs, decoded at the boundary so malformed planner output fails
// fast with a readable error instead of deep inside a wrapper.

type listInstancesInput struct {
	StateFilter string `json:"StateFilter"`
}

type instanceIDsInput struct {
	InstanceIDs []string `json:"InstanceIds"`
	InstanceID  string   `json:"InstanceId"`
}

func (in instanceIDsInput) ids() []string {
	if in.InstanceID != "" {
		return append(in.InstanceIDs, in.InstanceID)
	}
	return in.InstanceIDs
}

type invocationInput struct {
	CommandID  string `json:"CommandId"`
	InstanceID string `json:"InstanceId"`
}

type executeInput struct {
	InstanceIDs    []string        `json:"InstanceIds"`
	DocumentName   string          `json:"DocumentName"`
	Commands       json.RawMessage `json:"Commands"`
	Comment        string          `json:"Comment"`
	TimeoutSeconds int32           `json:"TimeoutSeconds"`
}

// Runner dispatches tool invocations. It implements the orchestrator's
// ToolRunner interface.
type Runner struct {
	infra Infra
	logf  func(format string, args ...interface{})
}

// NewRunner creates a Runner over the given infrastructure surface.
func NewRunner(infra Infra) *Runner {
	return &Runner{infra: infra}
}

// SetLogger installs a printf-style debug logger. Nil disables logging.
func (r *Runner) SetLogger(logf func(format string, args ...interface{})) {
	r.logf = logf
}

func (r *Runner) debugf(format string, args ...interface{}) {
	if r.logf != nil {
		r.logf(format, args...)
	}
}

// Gated reports whether a tool mutates infrastructure and therefore
// requires human approval before execution.
func (r *Runner) Gated(name string) bool {
	return name == ExecuteSSMSync || name == ExecuteSSMAsync
}

// Call executes one tool invocation. Failures are reported in the result
// payload, never by panicking or aborting the conversation turn.
func (r *Runner) Call(ctx context.Context, name string, input json.RawMessage) orchestrator.ToolResult {
	r.debugf("tools: %s invoked with %s", name, truncate(string(input), 300))

	switch name {
	case ListInstances:
		return r.listInstances(ctx, input)
	case DescribeInstances:
		return r.describeInstances(ctx, input)
	case GetInstanceStatus:
		return r.instanceStatus(ctx, input)
	case GetCommandInvocation:
		return r.commandInvocation(ctx, input)
	case ExecuteSSMSync, ExecuteSSMAsync:
		return r.execute(ctx, name, input)
	default:
		return errorResult(fmt.Sprintf("unknown tool %q", name))
	}
}

func (r *Runner) listInstances(ctx context.Context, input json.RawMessage) orchestrator.ToolResult {
	var in listInstancesInput
	if err := decode(input, &in); err != nil {
		return errorResult(err.Error())
	}

	instances, err := r.infra.ListInstances(ctx, in.StateFilter)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(map[string]interface{}{"Instances": instances, "Count": len(instances)})
}

func (r *Runner) describeInstances(ctx context.Context, input json.RawMessage) orchestrator.ToolResult {
	var in instanceIDsInput
	if err := decode(input, &in); err != nil {
		return errorResult(err.Error())
	}
	ids := in.ids()
	if len(ids) == 0 {
		return errorResult("InstanceIds is required")
	}

	instances, err := r.infra.DescribeInstances(ctx, ids)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(map[string]interface{}{"Instances": instances})
}

func (r *Runner) instanceStatus(ctx context.Context, input json.RawMessage) orchestrator.ToolResult {
	var in instanceIDsInput
	if err := decode(input, &in); err != nil {
		return errorResult(err.Error())
	}
	ids := in.ids()
	if len(ids) == 0 {
		return errorResult("InstanceIds is required")
	}

	statuses, err := r.infra.InstanceStatus(ctx, ids)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(map[string]interface{}{"InstanceStatuses": statuses})
}

func (r *Runner) commandInvocation(ctx context.Context, input json.RawMessage) orchestrator.ToolResult {
	var in invocationInput
	if err := decode(input, &in); err != nil {
		return errorResult(err.Error())
	}
	if in.CommandID == "" || in.InstanceID == "" {
		return errorResult("CommandId and InstanceId are required")
	}

	detail, err := r.infra.GetCommandInvocation(ctx, in.CommandID, in.InstanceID)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(detail)
}

func (r *Runner) execute(ctx context.Context, name string, input json.RawMessage) orchestrator.ToolResult {
	var in executeInput
	if err := decode(input, &in); err != nil {
		return errorResult(err.Error())
	}
	if len(in.InstanceIDs) == 0 {
		return errorResult("InstanceIds is required")
	}

	commands := NormalizeCommands(in.Commands)
	if len(commands) == 0 {
		return errorResult("Commands is required")
	}

	document := in.DocumentName
	if document == "" {
		document = "AWS-RunShellScript"
	}

	result, err := r.infra.SendCommand(ctx, awsops.SendCommandInput{
		InstanceIDs:    in.InstanceIDs,
		DocumentName:   document,
		Commands:       commands,
		Comment:        in.Comment,
		TimeoutSeconds: in.TimeoutSeconds,
	})
	if err != nil {
		return errorResult(err.Error())
	}

	out := jsonResult(result)
	out.CommandID = result.CommandID
	out.InstanceIDs = in.InstanceIDs
	out.DocumentName = document
	out.Parameters = map[string]string{"commands": strings.Join(commands, "\n")}
	out.Async = name == ExecuteSSMAsync
	return out
}

// NormalizeCommands flattens the Commands field into a list of shell
// command strings. Planning models emit it in several shapes: a JSON
// array, an array whose single element is itself a JSON-encoded array,
// or a bare string.
func NormalizeCommands(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return flattenCommandList(list)
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		// The string itself may be a JSON-encoded array.
		var nested []string
		if err := json.Unmarshal([]byte(single), &nested); err == nil {
			return flattenCommandList(nested)
		}
		return []string{single}
	}

	return nil
}

func flattenCommandList(list []string) []string {
	var out []string
	for _, cmd := range list {
		var nested []string
		if err := json.Unmarshal([]byte(cmd), &nested); err == nil && len(nested) > 0 {
			out = append(out, nested...)
			continue
		}
		if cmd != "" {
			out = append(out, cmd)
		}
	}
	return out
}

func decode(input json.RawMessage, v interface{}) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}

func jsonResult(v interface{}) orchestrator.ToolResult {
	payload, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return orchestrator.ToolResult{Content: string(payload)}
}

func errorResult(msg string) orchestrator.ToolResult {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return orchestrator.ToolResult{Content: string(payload), IsError: true}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
