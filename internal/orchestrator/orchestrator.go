// Package orchestrator drives the tool-use conversation loop: it asks the
// planning model for the next step, validates and executes requested tool
// calls, suspends across the human-approval checkpoint, and hands
// long-running commands to the async tracker.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ohlala-ops/smartops/internal/tracker"
)

// PlannerResponse is the planning model's next step: free text and zero or
// more requested tool invocations.
type PlannerResponse struct {
	TextParts []string
	ToolUses  []ToolUse
}

// Planner is the planning capability. Implementations block for the
// duration of the model call; the context bounds it.
type Planner interface {
	Invoke(ctx context.Context, messages []Message, systemPrompt string, toolNames []string, maxTokens int, temperature float64) (*PlannerResponse, error)
}

// ToolResult is the outcome of executing one tool invocation. Content is
// the JSON payload fed back to the planner; dispatch metadata is set when
// the tool started a remote command.
type ToolResult struct {
	Content     string
	IsError     bool
	CommandID   string
	InstanceIDs []string
	// DocumentName and Parameters describe the dispatched command for
	// tracking and logging.
	DocumentName string
	Parameters   map[string]string
	// Async marks a dispatch whose completion the tracker should own.
	Async bool
}

// ToolRunner executes tool invocations against the infrastructure API.
type ToolRunner interface {
	// Call executes the named tool. Failures are reported through
	// ToolResult.IsError, never by aborting the turn.
	Call(ctx context.Context, name string, input json.RawMessage) ToolResult
	// Gated reports whether the tool mutates infrastructure and must wait
	// for human approval before execution.
	Gated(name string) bool
}

// ApprovalStore looks up recorded human decisions for gated invocations.
type ApprovalStore interface {
	// Approval returns the decision for a tool invocation ID, or nil when
	// none has been recorded.
	Approval(toolID string) (*Approval, error)
}

// StateStore persists conversation state across suspend/resume.
type StateStore interface {
	// State loads the conversation for a user, returning a fresh empty
	// state when none exists.
	State(userID string) (*ConversationState, error)
	// SaveState persists the conversation.
	SaveState(state *ConversationState) error
}

// ApprovalNotifier surfaces an approval request to the chat surface when
// the loop suspends. Optional.
type ApprovalNotifier interface {
	RequestApproval(userID string, uses []ToolUse)
}

// Config holds orchestrator settings. Zero values are replaced by
// defaults.
type Config struct {
	// MaxIterations bounds planner rounds per turn (default 10).
	MaxIterations int
	// MaxTokens is the planner response budget (default 4000).
	MaxTokens int
	// Temperature for planner sampling (default 0.3).
	Temperature float64
	// SyncWaitTimeout bounds the wait for a synchronous dispatch to
	// complete (default 60s).
	SyncWaitTimeout time.Duration
	// SyncPollInterval is the fixed poll cadence during the synchronous
	// wait (default 2s).
	SyncPollInterval time.Duration
	// SystemPrompt is prepended to every planner call.
	SystemPrompt string
	// Tools is the tool catalog offered to the planner.
	Tools []string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4000
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.3
	}
	if c.SyncWaitTimeout <= 0 {
		c.SyncWaitTimeout = 60 * time.Second
	}
	if c.SyncPollInterval <= 0 {
		c.SyncPollInterval = 2 * time.Second
	}
	return c
}

// Fixed user-facing messages.
const (
	// limitMessage is returned when a turn exhausts MaxIterations.
	limitMessage = "I've analyzed the command results but reached the processing limit."
	// approvalMessage is returned when the loop suspends for approval.
	approvalMessage = "This operation changes your infrastructure and needs approval before I run it."
	// trackingMessage acknowledges an async dispatch now owned by the tracker.
	trackingMessage = "Command dispatched. I'm tracking it in the background and will report back when it completes."
)

// Orchestrator coordinates one conversation turn end to end. Safe to share
// across conversations; per-conversation state is isolated by user key.
type Orchestrator struct {
	cfg       Config
	planner   Planner
	runner    ToolRunner
	states    StateStore
	approvals ApprovalStore
	tracker   *tracker.CommandTracker
	status    tracker.StatusChecker
	notifier  ApprovalNotifier

	logf func(format string, args ...interface{})

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates an Orchestrator. The tracker and status checker may be nil
// when async dispatch is not wired (tests, degraded mode).
func New(cfg Config, planner Planner, runner ToolRunner, states StateStore, approvals ApprovalStore, cmdTracker *tracker.CommandTracker, status tracker.StatusChecker) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		planner:   planner,
		runner:    runner,
		states:    states,
		approvals: approvals,
		tracker:   cmdTracker,
		status:    status,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// SetNotifier installs the approval-request notifier.
func (o *Orchestrator) SetNotifier(n ApprovalNotifier) {
	o.notifier = n
}

// SetLogger installs a printf-style debug logger. Nil disables logging.
func (o *Orchestrator) SetLogger(logf func(format string, args ...interface{})) {
	o.logf = logf
}

func (o *Orchestrator) debugf(format string, args ...interface{}) {
	if o.logf != nil {
		o.logf(format, args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes one user message: it appends the prompt to the stored
// conversation and drives the loop until a final answer, a suspension, or
// the iteration limit. The returned string is always user-facing.
func (o *Orchestrator) Run(ctx context.Context, userID, prompt string) (string, error) {
	state, err := o.states.State(userID)
	if err != nil {
		return "", err
	}

	// A new prompt starts a fresh turn; any stale checkpoint is discarded.
	state.clearPending()
	state.Iteration = 0
	state.OriginalPrompt = prompt
	state.AvailableTools = o.cfg.Tools
	state.Messages = append(state.Messages, TextMessage(RoleUser, prompt))

	return o.runLoop(ctx, state)
}
