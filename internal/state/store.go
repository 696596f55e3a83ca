package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ohlala-ops/smartops/internal/orchestrator"
)

// ErrApprovalNotFound is returned when a decision targets an unknown
// invocation ID.
var ErrApprovalNotFound = errors.New("approval not found")

// Store persists conversation state and approval decisions. It implements
// the orchestrator's StateStore and ApprovalStore interfaces.
type Store struct {
	db *DB
}

// NewStore creates a Store over an opened, migrated database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// State loads the conversation for a user, returning a fresh empty state
// when none exists.
func (s *Store) State(userID string) (*orchestrator.ConversationState, error) {
	var stateJSON string
	row := s.db.QueryRow("SELECT state_json FROM conversations WHERE user_id = ?", userID)
	err := row.Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return orchestrator.NewConversationState(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", userID, err)
	}

	var state orchestrator.ConversationState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", userID, err)
	}
	if state.PendingInputs == nil {
		state.PendingInputs = map[string]json.RawMessage{}
	}
	return &state, nil
}

// SaveState persists the conversation, stamping UpdatedAt.
func (s *Store) SaveState(state *orchestrator.ConversationState) error {
	state.UpdatedAt = time.Now().UTC()

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", state.UserID, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations (user_id, phase, state_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			phase = excluded.phase,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at
	`, state.UserID, string(state.Phase), string(stateJSON), formatTime(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", state.UserID, err)
	}
	return nil
}

// DeleteState removes a user's conversation.
func (s *Store) DeleteState(userID string) error {
	if _, err := s.db.Exec("DELETE FROM conversations WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("delete conversation %s: %w", userID, err)
	}
	return nil
}

// CreateApproval records a pending approval for a gated tool invocation.
func (s *Store) CreateApproval(id, userID, toolName string) error {
	_, err := s.db.Exec(`
		INSERT INTO approvals (id, user_id, tool_name, status, created_at)
		VALUES (?, ?, ?, 'pending', ?)
		ON CONFLICT(id) DO NOTHING
	`, id, userID, toolName, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("create approval %s: %w", id, err)
	}
	return nil
}

// Approval returns the recorded decision for a tool invocation ID, or nil
// when none exists.
func (s *Store) Approval(toolID string) (*orchestrator.Approval, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, tool_name, status, decided_by, created_at, decided_at
		FROM approvals WHERE id = ?
	`, toolID)

	approval, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load approval %s: %w", toolID, err)
	}
	return approval, nil
}

// Decide records an approval decision. Returns ErrApprovalNotFound when
// the invocation ID is unknown.
func (s *Store) Decide(toolID string, status orchestrator.ApprovalStatus, decidedBy string) error {
	result, err := s.db.Exec(`
		UPDATE approvals SET status = ?, decided_by = ?, decided_at = ?
		WHERE id = ?
	`, string(status), decidedBy, formatTime(time.Now()), toolID)
	if err != nil {
		return fmt.Errorf("decide approval %s: %w", toolID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("decide approval %s: %w", toolID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, toolID)
	}
	return nil
}

// PendingApprovals returns a user's undecided approvals, oldest first.
func (s *Store) PendingApprovals(userID string) ([]*orchestrator.Approval, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, tool_name, status, decided_by, created_at, decided_at
		FROM approvals WHERE user_id = ? AND status = 'pending'
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("load pending approvals for %s: %w", userID, err)
	}
	defer rows.Close()

	var approvals []*orchestrator.Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

// ExpireApprovals marks pending approvals older than the cutoff as
// expired. Returns the number expired.
func (s *Store) ExpireApprovals(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	result, err := s.db.Exec(`
		UPDATE approvals SET status = 'expired', decided_at = ?
		WHERE status = 'pending' AND created_at < ?
	`, formatTime(time.Now()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*orchestrator.Approval, error) {
	var (
		approval  orchestrator.Approval
		status    string
		decidedBy sql.NullString
		createdAt string
		decidedAt sql.NullString
	)
	err := row.Scan(&approval.ID, &approval.UserID, &approval.ToolName,
		&status, &decidedBy, &createdAt, &decidedAt)
	if err != nil {
		return nil, err
	}

	approval.Status = orchestrator.ApprovalStatus(status)
	approval.DecidedBy = decidedBy.String
	if t, err := parseTime(createdAt); err == nil {
		approval.CreatedAt = t
	}
	approval.DecidedAt = parseNullableTime(decidedAt)
	return &approval, nil
}
