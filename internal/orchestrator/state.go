package orchestrator

import (
	"encoding/json"
	"strings"
	"time"
)

// Phase is the persisted lifecycle of a conversation. It makes the
// suspend/resume protocol explicit instead of inferring it from which
// optional fields happen to be set.
type Phase string

const (
	// PhaseActive means the conversation loop runs normally.
	PhaseActive Phase = "active"
	// PhaseAwaitingApproval means the loop suspended with pending tool
	// invocations waiting on human decisions.
	PhaseAwaitingApproval Phase = "awaiting_approval"
	// PhaseHandedOff means the command tracker owns result delivery;
	// resume is a no-op.
	PhaseHandedOff Phase = "handed_off"
)

// Role values for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one element of a message: model text, a requested tool
// invocation, or a tool result being fed back.
type ContentBlock struct {
	Type string `json:"type"`

	// Text payload for BlockText.
	Text string `json:"text,omitempty"`

	// Tool invocation fields for BlockToolUse.
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`

	// Result fields for BlockToolResult. ToolID links back to the use.
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one turn of the planner conversation in a transport-neutral
// shape. The planner adapter converts to and from the SDK's wire types.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolUse is a planner-requested tool invocation.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ConversationState is everything needed to resume a conversation across
// the approval checkpoint. Persisted by the state store, keyed by user.
type ConversationState struct {
	UserID         string    `json:"user_id"`
	Phase          Phase     `json:"phase"`
	Messages       []Message `json:"messages"`
	Iteration      int       `json:"iteration"`
	AvailableTools []string  `json:"available_tools"`
	PendingUses    []ToolUse `json:"pending_tool_uses,omitempty"`
	// PendingInputs redundantly stores each pending invocation's input by
	// tool ID. Chat surfaces mangle nested payloads on the round trip
	// through the approval card, so the stored copy wins at resume.
	PendingInputs  map[string]json.RawMessage `json:"pending_tool_inputs,omitempty"`
	OriginalPrompt string                     `json:"original_prompt,omitempty"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// NewConversationState creates an empty active conversation for a user.
func NewConversationState(userID string) *ConversationState {
	return &ConversationState{
		UserID:        userID,
		Phase:         PhaseActive,
		PendingInputs: map[string]json.RawMessage{},
	}
}

// suspendForApproval records the pending invocations and flips the phase.
func (s *ConversationState) suspendForApproval(uses []ToolUse) {
	s.Phase = PhaseAwaitingApproval
	s.PendingUses = uses
	if s.PendingInputs == nil {
		s.PendingInputs = map[string]json.RawMessage{}
	}
	for _, use := range uses {
		s.PendingInputs[use.ID] = use.Input
	}
}

// clearPending resets the approval checkpoint back to active.
func (s *ConversationState) clearPending() {
	s.Phase = PhaseActive
	s.PendingUses = nil
	s.PendingInputs = map[string]json.RawMessage{}
}

// requestText returns the user request the current turn is serving.
// Synthesized corrective messages also carry the user role, so the
// recorded prompt wins over the raw message history.
func (s *ConversationState) requestText() string {
	if s.OriginalPrompt != "" {
		return s.OriginalPrompt
	}
	return s.latestUserText()
}

// latestUserText returns the text of the most recent user message,
// skipping tool-result-only messages.
func (s *ConversationState) latestUserText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		msg := s.Messages[i]
		if msg.Role != RoleUser {
			continue
		}
		var parts []string
		for _, block := range msg.Content {
			if block.Type == BlockText && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return ""
}

// ApprovalStatus is the decision recorded for one gated tool invocation.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is one recorded decision in the approvals store.
type Approval struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	ToolName  string         `json:"tool_name"`
	Status    ApprovalStatus `json:"status"`
	DecidedBy string         `json:"decided_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	DecidedAt time.Time      `json:"decided_at,omitempty"`
}
