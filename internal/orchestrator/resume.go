package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// deniedPayload is the tool result synthesized for a rejected invocation.
const deniedPayload = `{"error":"Command execution was denied by the user.","denied":true}`

// Resume continues a conversation after approval decisions were recorded.
// It resolves every pending invocation, feeds the results back, and
// re-enters the main loop. A conversation handed off to the tracker
// returns immediately with an empty message.
func (o *Orchestrator) Resume(ctx context.Context, userID string) (string, error) {
	state, err := o.states.State(userID)
	if err != nil {
		return "", err
	}

	if state.Phase == PhaseHandedOff {
		// The tracker delivers that result out of band.
		o.debugf("orchestrator: user %s handed off to tracker, skipping resume", userID)
		return "", nil
	}

	if len(state.Messages) == 0 {
		return "Unable to continue the conversation: no saved state was found.", nil
	}

	o.debugf("orchestrator: resuming user %s from iteration %d with %d pending invocation(s)",
		userID, state.Iteration, len(state.PendingUses))

	var results []ContentBlock
	var handedOff bool
	for _, use := range state.PendingUses {
		if use.ID == "" || use.Name == "" {
			o.debugf("orchestrator: skipping malformed pending invocation %+v", use)
			continue
		}

		// Prefer the stored input over whatever survived the chat surface.
		input := state.PendingInputs[use.ID]
		if input == nil {
			input = use.Input
		}

		res, resolved := o.resolvePending(ctx, state, use, input)
		if !resolved {
			continue
		}
		if res.Async {
			handedOff = true
		}
		results = append(results, ContentBlock{
			Type:    BlockToolResult,
			ToolID:  use.ID,
			Content: res.Content,
			IsError: res.IsError,
		})
	}

	if len(results) > 0 {
		state.Messages = append(state.Messages, toolResultMessage(results))
	}

	if handedOff {
		// The tracker owns delivery of the final outcome; freeze the
		// conversation so a later resume does not replay it.
		state.Phase = PhaseHandedOff
		state.PendingUses = nil
		if err := o.states.SaveState(state); err != nil {
			return "", fmt.Errorf("save state: %w", err)
		}
		return trackingMessage, nil
	}

	state.clearPending()
	return o.runLoop(ctx, state)
}

// resolvePending turns one pending invocation into a tool result. The
// second return is false when the invocation must be skipped (still
// pending, which indicates an upstream logic inconsistency).
func (o *Orchestrator) resolvePending(ctx context.Context, state *ConversationState, use ToolUse, input json.RawMessage) (ToolResult, bool) {
	if !o.runner.Gated(use.Name) {
		return o.runner.Call(ctx, use.Name, input), true
	}

	approval, err := o.approvals.Approval(use.ID)
	if err != nil {
		return ToolResult{Content: fmt.Sprintf(`{"error":%q}`, err.Error()), IsError: true}, true
	}

	switch {
	case approval == nil || approval.Status == ApprovalPending:
		// Resume ran before a decision was recorded; nothing to execute.
		o.debugf("orchestrator: invocation %s still pending approval during resume", use.ID)
		return ToolResult{}, false

	case approval.Status == ApprovalRejected, approval.Status == ApprovalExpired:
		o.debugf("orchestrator: invocation %s denied", use.ID)
		return ToolResult{Content: deniedPayload}, true

	default:
		return o.executeApproved(ctx, state, use, input), true
	}
}

// executeApproved dispatches an approved invocation. Synchronous commands
// are polled to completion within a bounded window; asynchronous ones are
// registered with the tracker and acknowledged immediately.
func (o *Orchestrator) executeApproved(ctx context.Context, state *ConversationState, use ToolUse, input json.RawMessage) ToolResult {
	o.debugf("orchestrator: executing approved invocation %s (%s)", use.ID, use.Name)

	res := o.runner.Call(ctx, use.Name, input)
	delete(state.PendingInputs, use.ID)
	if res.IsError || res.CommandID == "" {
		return res
	}

	if res.Async {
		o.registerAsync(state, use, res)
		return res
	}

	return o.waitForCompletion(ctx, res)
}

// registerAsync hands a dispatched command to the tracker. Multi-instance
// dispatches become a workflow so completion is reported once, with
// aggregate counts.
func (o *Orchestrator) registerAsync(state *ConversationState, use ToolUse, res ToolResult) {
	if o.tracker == nil {
		return
	}

	workflowID := ""
	if len(res.InstanceIDs) > 1 {
		workflowID = uuid.NewString()
		o.tracker.CreateWorkflow(workflowID, use.Name, len(res.InstanceIDs))
	}
	for _, instanceID := range res.InstanceIDs {
		o.tracker.Track(res.CommandID, instanceID, res.DocumentName, res.Parameters, workflowID, 0)
	}
	o.debugf("orchestrator: command %s registered with tracker for user %s (workflow %q)",
		res.CommandID, state.UserID, workflowID)
}

// waitForCompletion polls a synchronous dispatch at a fixed interval until
// it reaches a terminal status or the bounded window elapses. On timeout
// the dispatch result is returned as-is with a note; the command may still
// be running.
func (o *Orchestrator) waitForCompletion(ctx context.Context, res ToolResult) ToolResult {
	if o.status == nil || len(res.InstanceIDs) == 0 {
		return res
	}
	instanceID := res.InstanceIDs[0]

	deadline := o.now().Add(o.cfg.SyncWaitTimeout)
	for o.now().Before(deadline) {
		if err := o.sleep(ctx, o.cfg.SyncPollInterval); err != nil {
			return res
		}

		inv, err := o.status.CommandInvocation(ctx, res.CommandID, instanceID)
		if err != nil {
			o.debugf("orchestrator: polling command %s: %v", res.CommandID, err)
			continue
		}
		if inv.Status.Terminal() {
			payload, _ := json.Marshal(map[string]string{
				"CommandId":             res.CommandID,
				"Status":                string(inv.Status),
				"StandardOutputContent": inv.Stdout,
				"StandardErrorContent":  inv.Stderr,
			})
			res.Content = string(payload)
			return res
		}
	}

	o.debugf("orchestrator: command %s did not complete within %s", res.CommandID, o.cfg.SyncWaitTimeout)
	res.Content = fmt.Sprintf(`{"CommandId":%q,"note":"Command execution timed out after %s. It may still be running."}`,
		res.CommandID, o.cfg.SyncWaitTimeout)
	return res
}
