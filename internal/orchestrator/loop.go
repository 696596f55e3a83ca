package orchestrator

import (
	"context"
	"fmt"
	"strings"
)

// runLoop drives planner rounds until the model produces a final answer,
// a gated tool suspends the turn, or the iteration limit is hit. A
// planner failure aborts the turn; a tool failure never does.
func (o *Orchestrator) runLoop(ctx context.Context, state *ConversationState) (string, error) {
	for state.Iteration < o.cfg.MaxIterations {
		state.Iteration++
		o.debugf("orchestrator: user %s iteration %d", state.UserID, state.Iteration)

		resp, err := o.planner.Invoke(ctx, state.Messages, o.cfg.SystemPrompt,
			state.AvailableTools, o.cfg.MaxTokens, o.cfg.Temperature)
		if err != nil {
			o.saveQuietly(state)
			return fmt.Sprintf("I encountered an error while processing your request: %v", err),
				fmt.Errorf("planner invocation: %w", err)
		}

		state.Messages = append(state.Messages, assistantMessage(resp))

		if len(resp.ToolUses) == 0 {
			state.clearPending()
			if err := o.states.SaveState(state); err != nil {
				return "", fmt.Errorf("save state: %w", err)
			}
			return finalText(resp.TextParts), nil
		}

		// Breadth validation: a "do it everywhere" request must actually
		// fan out. On failure the planner gets a corrective nudge and
		// another round instead of execution.
		if broadRequest(state.requestText()) && !validateBreadth(resp.ToolUses, o.runner) {
			o.debugf("orchestrator: breadth validation failed for user %s, retrying", state.UserID)
			state.Messages = append(state.Messages, TextMessage(RoleUser, breadthCorrection))
			continue
		}

		if gated := gatedUses(resp.ToolUses, o.runner); len(gated) > 0 {
			state.suspendForApproval(resp.ToolUses)
			if err := o.states.SaveState(state); err != nil {
				return "", fmt.Errorf("save state: %w", err)
			}
			if o.notifier != nil {
				o.notifier.RequestApproval(state.UserID, gated)
			}
			o.debugf("orchestrator: user %s suspended awaiting approval of %d invocation(s)",
				state.UserID, len(gated))
			return approvalMessage, nil
		}

		results := o.runTools(ctx, resp.ToolUses)
		state.Messages = append(state.Messages, toolResultMessage(results))
	}

	o.saveQuietly(state)
	return limitMessage, nil
}

// runTools executes a round of invocations in proposal order, producing
// exactly one result per invocation ID. A per-call failure becomes an
// error payload the planner can react to.
func (o *Orchestrator) runTools(ctx context.Context, uses []ToolUse) []ContentBlock {
	results := make([]ContentBlock, 0, len(uses))
	for _, use := range uses {
		res := o.runner.Call(ctx, use.Name, use.Input)
		if res.IsError {
			o.debugf("orchestrator: tool %s (%s) failed: %s", use.Name, use.ID, res.Content)
		}
		results = append(results, ContentBlock{
			Type:    BlockToolResult,
			ToolID:  use.ID,
			Content: res.Content,
			IsError: res.IsError,
		})
	}
	return results
}

// gatedUses filters the invocations that need human approval.
func gatedUses(uses []ToolUse, runner ToolRunner) []ToolUse {
	var gated []ToolUse
	for _, use := range uses {
		if runner.Gated(use.Name) {
			gated = append(gated, use)
		}
	}
	return gated
}

// assistantMessage converts a planner response into a conversation message.
func assistantMessage(resp *PlannerResponse) Message {
	blocks := make([]ContentBlock, 0, len(resp.TextParts)+len(resp.ToolUses))
	for _, text := range resp.TextParts {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: text})
	}
	for _, use := range resp.ToolUses {
		blocks = append(blocks, ContentBlock{
			Type:     BlockToolUse,
			ToolID:   use.ID,
			ToolName: use.Name,
			Input:    use.Input,
		})
	}
	return Message{Role: RoleAssistant, Content: blocks}
}

// toolResultMessage packs one round's results into a single user message,
// preserving proposal order.
func toolResultMessage(results []ContentBlock) Message {
	return Message{Role: RoleUser, Content: results}
}

func finalText(parts []string) string {
	text := strings.TrimSpace(strings.Join(parts, " "))
	if text == "" {
		return "I've completed analyzing the command results."
	}
	return text
}

// saveQuietly persists state on abort paths where the primary error
// already owns the return value.
func (o *Orchestrator) saveQuietly(state *ConversationState) {
	if err := o.states.SaveState(state); err != nil {
		o.debugf("orchestrator: save state for %s failed: %v", state.UserID, err)
	}
}
