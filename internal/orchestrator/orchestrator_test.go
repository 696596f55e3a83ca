package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ohlala-ops/smartops/internal/tracker"
)

// fakePlanner replays scripted responses in order. Running past the
// script repeats the last entry.
type fakePlanner struct {
	mu        sync.Mutex
	responses []*PlannerResponse
	err       error
	calls     int
}

func (p *fakePlanner) Invoke(_ context.Context, _ []Message, _ string, _ []string, _ int, _ float64) (*PlannerResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	idx := p.calls - 1
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx], nil
}

func (p *fakePlanner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func textResponse(text string) *PlannerResponse {
	return &PlannerResponse{TextParts: []string{text}}
}

func toolResponse(uses ...ToolUse) *PlannerResponse {
	return &PlannerResponse{ToolUses: uses}
}

// fakeRunner treats execute_* tools as gated and returns canned results.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]ToolResult
	calls   []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{results: map[string]ToolResult{}}
}

func (r *fakeRunner) Call(_ context.Context, name string, _ json.RawMessage) ToolResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	if res, ok := r.results[name]; ok {
		return res
	}
	return ToolResult{Content: `{"ok":true}`}
}

func (r *fakeRunner) Gated(name string) bool {
	return strings.HasPrefix(name, "execute_ssm_")
}

func (r *fakeRunner) callNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// memStateStore is an in-memory StateStore.
type memStateStore struct {
	mu     sync.Mutex
	states map[string]*ConversationState
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: map[string]*ConversationState{}}
}

func (s *memStateStore) State(userID string) (*ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[userID]; ok {
		return state, nil
	}
	return NewConversationState(userID), nil
}

func (s *memStateStore) SaveState(state *ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.UserID] = state
	return nil
}

// memApprovalStore is an in-memory ApprovalStore.
type memApprovalStore struct {
	mu        sync.Mutex
	approvals map[string]*Approval
}

func newMemApprovalStore() *memApprovalStore {
	return &memApprovalStore{approvals: map[string]*Approval{}}
}

func (s *memApprovalStore) Approval(toolID string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.approvals[toolID], nil
}

func (s *memApprovalStore) set(toolID string, status ApprovalStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[toolID] = &Approval{ID: toolID, Status: status}
}

type notifierRecord struct {
	mu    sync.Mutex
	users []string
	uses  [][]ToolUse
}

func (n *notifierRecord) RequestApproval(userID string, uses []ToolUse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
	n.uses = append(n.uses, uses)
}

func use(id, name, input string) ToolUse {
	return ToolUse{ID: id, Name: name, Input: json.RawMessage(input)}
}

func newTestOrchestrator(planner Planner, runner ToolRunner) (*Orchestrator, *memStateStore, *memApprovalStore) {
	states := newMemStateStore()
	approvals := newMemApprovalStore()
	o := New(Config{MaxIterations: 10}, planner, runner, states, approvals, nil, nil)
	return o, states, approvals
}

func TestRunReturnsFinalAnswer(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{textResponse("All three instances are healthy.")}}
	o, states, _ := newTestOrchestrator(planner, newFakeRunner())

	out, err := o.Run(context.Background(), "user-1", "how are my instances?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "All three instances are healthy." {
		t.Errorf("output = %q", out)
	}
	if planner.callCount() != 1 {
		t.Errorf("planner called %d times, want 1", planner.callCount())
	}

	state, _ := states.State("user-1")
	if state.Phase != PhaseActive {
		t.Errorf("phase = %s, want active", state.Phase)
	}
	// user prompt + assistant answer
	if len(state.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(state.Messages))
	}
}

func TestRunExecutesToolsAndContinues(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{
		toolResponse(use("tu-1", "list-instances", `{}`)),
		textResponse("You have 2 running instances."),
	}}
	runner := newFakeRunner()
	o, states, _ := newTestOrchestrator(planner, runner)

	out, err := o.Run(context.Background(), "user-1", "list my instances")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "You have 2 running instances." {
		t.Errorf("output = %q", out)
	}
	if got := runner.callNames(); len(got) != 1 || got[0] != "list-instances" {
		t.Errorf("tool calls = %v", got)
	}

	state, _ := states.State("user-1")
	// prompt, assistant tool_use, tool_result, assistant answer
	if len(state.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(state.Messages))
	}
	resultMsg := state.Messages[2]
	if resultMsg.Role != RoleUser || resultMsg.Content[0].Type != BlockToolResult {
		t.Errorf("third message should carry the tool results, got %+v", resultMsg)
	}
	if resultMsg.Content[0].ToolID != "tu-1" {
		t.Errorf("result tool ID = %q, want tu-1", resultMsg.Content[0].ToolID)
	}
}

func TestToolFailureBecomesErrorResult(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{
		toolResponse(use("tu-1", "get-instance-status", `{"InstanceId":"i-0a1"}`)),
		textResponse("That instance does not exist."),
	}}
	runner := newFakeRunner()
	runner.results["get-instance-status"] = ToolResult{Content: `{"error":"InvalidInstanceID.NotFound"}`, IsError: true}
	o, states, _ := newTestOrchestrator(planner, runner)

	out, err := o.Run(context.Background(), "user-1", "status of i-0a1?")
	if err != nil {
		t.Fatalf("a tool failure must not abort the turn: %v", err)
	}
	if out != "That instance does not exist." {
		t.Errorf("output = %q", out)
	}

	state, _ := states.State("user-1")
	result := state.Messages[2].Content[0]
	if !result.IsError {
		t.Error("failed tool call should produce an error-flagged result")
	}
}

func TestPlannerErrorAbortsTurn(t *testing.T) {
	planner := &fakePlanner{err: errors.New("model unavailable")}
	o, _, _ := newTestOrchestrator(planner, newFakeRunner())

	out, err := o.Run(context.Background(), "user-1", "hello")
	if err == nil {
		t.Fatal("expected an error from a failed planner call")
	}
	if !strings.Contains(out, "error") {
		t.Errorf("user-facing message missing: %q", out)
	}
}

func TestLoopTerminatesAtMaxIterations(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{
		toolResponse(use("tu-1", "list-instances", `{}`)),
	}}
	states := newMemStateStore()
	o := New(Config{MaxIterations: 4}, planner, newFakeRunner(), states, newMemApprovalStore(), nil, nil)

	out, err := o.Run(context.Background(), "user-1", "keep going")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != limitMessage {
		t.Errorf("output = %q, want the fixed limit message", out)
	}
	if planner.callCount() != 4 {
		t.Errorf("planner called %d times, want exactly 4", planner.callCount())
	}
}

func TestSuspendsForApproval(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{
		toolResponse(use("tu-9", "execute_ssm_sync", `{"InstanceIds":["i-0a1"],"Commands":["reboot"]}`)),
	}}
	runner := newFakeRunner()
	o, states, _ := newTestOrchestrator(planner, runner)
	notifier := &notifierRecord{}
	o.SetNotifier(notifier)

	out, err := o.Run(context.Background(), "user-1", "reboot i-0a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != approvalMessage {
		t.Errorf("output = %q, want approval message", out)
	}
	if len(runner.callNames()) != 0 {
		t.Errorf("gated tool executed before approval: %v", runner.callNames())
	}

	state, _ := states.State("user-1")
	if state.Phase != PhaseAwaitingApproval {
		t.Errorf("phase = %s, want awaiting_approval", state.Phase)
	}
	if len(state.PendingUses) != 1 || state.PendingUses[0].ID != "tu-9" {
		t.Errorf("pending uses = %+v", state.PendingUses)
	}
	if _, ok := state.PendingInputs["tu-9"]; !ok {
		t.Error("pending input not stored redundantly")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.users) != 1 || notifier.users[0] != "user-1" {
		t.Errorf("notifier calls = %v", notifier.users)
	}
}

func TestBreadthValidationRetriesWithCorrection(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{
		// Fleet-wide request answered with a single-target command.
		toolResponse(use("tu-1", "execute_ssm_async", `{"InstanceIds":["i-0a1"]}`)),
		// After the corrective nudge, a properly fanned-out plan.
		toolResponse(
			use("tu-2", "execute_ssm_async", `{"InstanceIds":["i-0a1"]}`),
			use("tu-3", "execute_ssm_async", `{"InstanceIds":["i-0b2"]}`),
		),
	}}
	runner := newFakeRunner()
	o, states, _ := newTestOrchestrator(planner, runner)

	out, err := o.Run(context.Background(), "user-1", "stop all instances")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The corrected plan is gated, so the turn suspends for approval.
	if out != approvalMessage {
		t.Errorf("output = %q, want approval message", out)
	}
	if planner.callCount() != 2 {
		t.Errorf("planner called %d times, want 2 (one correction round)", planner.callCount())
	}

	state, _ := states.State("user-1")
	var sawCorrection bool
	for _, msg := range state.Messages {
		for _, block := range msg.Content {
			if strings.Contains(block.Text, "VALIDATION ERROR") {
				sawCorrection = true
			}
		}
	}
	if !sawCorrection {
		t.Error("corrective message not appended to the conversation")
	}
	if len(state.PendingUses) != 2 {
		t.Errorf("pending uses = %d, want the corrected pair", len(state.PendingUses))
	}
}

func TestValidateBreadth(t *testing.T) {
	runner := newFakeRunner()

	tests := []struct {
		name string
		uses []ToolUse
		want bool
	}{
		{
			"single target fails",
			[]ToolUse{use("a", "execute_ssm_async", `{"InstanceIds":["i-0a1"]}`)},
			false,
		},
		{
			"two calls distinct targets pass",
			[]ToolUse{
				use("a", "execute_ssm_async", `{"InstanceIds":["i-0a1"]}`),
				use("b", "execute_ssm_async", `{"InstanceIds":["i-0b2"]}`),
			},
			true,
		},
		{
			"one call two targets passes",
			[]ToolUse{use("a", "execute_ssm_sync", `{"InstanceIds":["i-0a1","i-0b2"]}`)},
			true,
		},
		{
			"pure discovery passes",
			[]ToolUse{use("a", "list-instances", `{}`)},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validateBreadth(tt.uses, runner); got != tt.want {
				t.Errorf("validateBreadth = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBroadRequest(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"stop all instances", true},
		{"restart nginx across all servers", true},
		{"run uptime on every server", true},
		{"stop instance i-0a1", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := broadRequest(tt.text); got != tt.want {
			t.Errorf("broadRequest(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestNonBroadSingleTargetPasses(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{
		toolResponse(use("tu-1", "execute_ssm_async", `{"InstanceIds":["i-0a1"]}`)),
	}}
	o, _, _ := newTestOrchestrator(planner, newFakeRunner())

	out, err := o.Run(context.Background(), "user-1", "restart nginx on i-0a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// No breadth failure: goes straight to the approval checkpoint.
	if out != approvalMessage {
		t.Errorf("output = %q, want approval message", out)
	}
	if planner.callCount() != 1 {
		t.Errorf("planner called %d times, want 1 (no correction round)", planner.callCount())
	}
}

func TestResumeHandedOffIsNoOp(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{textResponse("unused")}}
	o, states, _ := newTestOrchestrator(planner, newFakeRunner())

	state := NewConversationState("user-1")
	state.Phase = PhaseHandedOff
	state.Messages = []Message{TextMessage(RoleUser, "reboot everything")}
	states.SaveState(state)

	out, err := o.Resume(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "" {
		t.Errorf("handed-off resume returned %q, want empty no-op", out)
	}
	if planner.callCount() != 0 {
		t.Error("planner must not be called for a handed-off conversation")
	}
}

func TestResumeRejectedSynthesizesDenial(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{textResponse("Understood, I won't run it.")}}
	runner := newFakeRunner()
	o, states, approvals := newTestOrchestrator(planner, runner)

	state := NewConversationState("user-1")
	state.Messages = []Message{TextMessage(RoleUser, "reboot i-0a1")}
	state.suspendForApproval([]ToolUse{use("tu-9", "execute_ssm_sync", `{"InstanceIds":["i-0a1"]}`)})
	states.SaveState(state)
	approvals.set("tu-9", ApprovalRejected)

	out, err := o.Resume(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Understood, I won't run it." {
		t.Errorf("output = %q", out)
	}
	if len(runner.callNames()) != 0 {
		t.Errorf("rejected tool executed: %v", runner.callNames())
	}

	saved, _ := states.State("user-1")
	var denial string
	for _, msg := range saved.Messages {
		for _, block := range msg.Content {
			if block.Type == BlockToolResult && block.ToolID == "tu-9" {
				denial = block.Content
			}
		}
	}
	if !strings.Contains(denial, `"denied":true`) {
		t.Errorf("denial payload = %q, want denied:true", denial)
	}
}

func TestResumeApprovedSyncWaitsForCompletion(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{textResponse("Reboot finished.")}}
	runner := newFakeRunner()
	runner.results["execute_ssm_sync"] = ToolResult{
		Content:     `{"CommandId":"cmd-7"}`,
		CommandID:   "cmd-7",
		InstanceIDs: []string{"i-0a1"},
	}
	states := newMemStateStore()
	approvals := newMemApprovalStore()
	status := stubStatus{inv: tracker.Invocation{Status: tracker.StatusSuccess, Stdout: "rebooted"}}
	o := New(Config{MaxIterations: 10}, planner, runner, states, approvals, nil, status)

	// Deterministic clock: sleeping advances time.
	current := time.Now()
	o.now = func() time.Time { return current }
	o.sleep = func(_ context.Context, d time.Duration) error {
		current = current.Add(d)
		return nil
	}

	state := NewConversationState("user-1")
	state.Messages = []Message{TextMessage(RoleUser, "reboot i-0a1")}
	state.suspendForApproval([]ToolUse{use("tu-9", "execute_ssm_sync", `{"InstanceIds":["i-0a1"]}`)})
	states.SaveState(state)
	approvals.set("tu-9", ApprovalApproved)

	out, err := o.Resume(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Reboot finished." {
		t.Errorf("output = %q", out)
	}

	saved, _ := states.State("user-1")
	var result string
	for _, msg := range saved.Messages {
		for _, block := range msg.Content {
			if block.Type == BlockToolResult && block.ToolID == "tu-9" {
				result = block.Content
			}
		}
	}
	if !strings.Contains(result, `"Status":"Success"`) {
		t.Errorf("sync result = %q, want terminal status captured", result)
	}
	if !strings.Contains(result, "rebooted") {
		t.Errorf("sync result = %q, want stdout captured", result)
	}
}

func TestBreadthCheckFollowsOriginalRequest(t *testing.T) {
	// A lingering fleet-wide phrase in the message history must not
	// re-trigger validation when the turn's own request is single-target.
	planner := &fakePlanner{responses: []*PlannerResponse{
		toolResponse(use("tu-1", "execute_ssm_sync", `{"InstanceIds":["i-0a1"]}`)),
	}}
	runner := newFakeRunner()
	o, states, _ := newTestOrchestrator(planner, runner)

	state := NewConversationState("user-1")
	state.OriginalPrompt = "restart nginx on i-0a1"
	state.Messages = []Message{
		TextMessage(RoleUser, "restart nginx on i-0a1"),
		TextMessage(RoleUser, "issue send-command calls that cover every instance"),
	}
	states.SaveState(state)

	out, err := o.Resume(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != approvalMessage {
		t.Errorf("output = %q, want approval message", out)
	}
	if planner.callCount() != 1 {
		t.Errorf("planner called %d times, want 1 (no corrective round)", planner.callCount())
	}
}

func TestResumeApprovedAsyncHandsOffToTracker(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{textResponse("unused")}}
	runner := newFakeRunner()
	runner.results["execute_ssm_async"] = ToolResult{
		Content:      `{"CommandId":"cmd-8"}`,
		CommandID:    "cmd-8",
		InstanceIDs:  []string{"i-0a1", "i-0b2"},
		DocumentName: "AWS-RunShellScript",
		Parameters:   map[string]string{"commands": "yum update -y"},
		Async:        true,
	}
	states := newMemStateStore()
	approvals := newMemApprovalStore()
	tr := tracker.New(stubStatus{}, tracker.Config{})
	o := New(Config{MaxIterations: 10}, planner, runner, states, approvals, tr, stubStatus{})

	state := NewConversationState("user-1")
	state.Messages = []Message{TextMessage(RoleUser, "patch all instances")}
	state.suspendForApproval([]ToolUse{use("tu-9", "execute_ssm_async", `{"InstanceIds":["i-0a1","i-0b2"]}`)})
	states.SaveState(state)
	approvals.set("tu-9", ApprovalApproved)

	out, err := o.Resume(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != trackingMessage {
		t.Errorf("output = %q, want tracking acknowledgment", out)
	}
	if planner.callCount() != 0 {
		t.Error("async hand-off must not re-enter the planner loop")
	}

	saved, _ := states.State("user-1")
	if saved.Phase != PhaseHandedOff {
		t.Errorf("phase = %s, want handed_off", saved.Phase)
	}
	if tr.ActiveCommands() != 2 {
		t.Errorf("tracker has %d active commands, want 2", tr.ActiveCommands())
	}
	if tr.ActiveWorkflows() != 1 {
		t.Errorf("tracker has %d active workflows, want 1", tr.ActiveWorkflows())
	}
	for _, instanceID := range []string{"i-0a1", "i-0b2"} {
		info := tr.Command("cmd-8", instanceID)
		if info == nil {
			t.Fatalf("instance %s not tracked", instanceID)
		}
		if info.DocumentName != "AWS-RunShellScript" {
			t.Errorf("DocumentName = %q, want the dispatched document", info.DocumentName)
		}
		if info.Parameters["commands"] != "yum update -y" {
			t.Errorf("Parameters = %v, want the dispatched commands", info.Parameters)
		}
	}
}

func TestResumeStillPendingIsSkipped(t *testing.T) {
	planner := &fakePlanner{responses: []*PlannerResponse{textResponse("Done with what I could.")}}
	runner := newFakeRunner()
	o, states, approvals := newTestOrchestrator(planner, runner)

	state := NewConversationState("user-1")
	state.Messages = []Message{TextMessage(RoleUser, "reboot both")}
	state.suspendForApproval([]ToolUse{
		use("tu-1", "execute_ssm_sync", `{"InstanceIds":["i-0a1"]}`),
		use("tu-2", "execute_ssm_sync", `{"InstanceIds":["i-0b2"]}`),
	})
	states.SaveState(state)
	approvals.set("tu-1", ApprovalRejected)
	// tu-2 never got a decision: logic inconsistency, skipped.

	if _, err := o.Resume(context.Background(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, _ := states.State("user-1")
	var ids []string
	for _, msg := range saved.Messages {
		for _, block := range msg.Content {
			if block.Type == BlockToolResult {
				ids = append(ids, block.ToolID)
			}
		}
	}
	if len(ids) != 1 || ids[0] != "tu-1" {
		t.Errorf("tool results = %v, want only the decided invocation", ids)
	}
}

// stubStatus is a StatusChecker returning one fixed invocation.
type stubStatus struct {
	inv tracker.Invocation
}

func (s stubStatus) CommandInvocation(context.Context, string, string) (tracker.Invocation, error) {
	return s.inv, nil
}
