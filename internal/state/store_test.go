package state

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ohlala-ops/smartops/internal/orchestrator"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "smartops.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return NewStore(db)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "smartops.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("first Migrate failed: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var version int
	row := db.QueryRow("SELECT MAX(version) FROM schema_version")
	if err := row.Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}
}

func TestStateForUnknownUserIsFresh(t *testing.T) {
	store := testStore(t)

	state, err := store.State("user-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if state.UserID != "user-1" {
		t.Errorf("user ID = %q", state.UserID)
	}
	if state.Phase != orchestrator.PhaseActive {
		t.Errorf("phase = %s, want active", state.Phase)
	}
	if len(state.Messages) != 0 {
		t.Errorf("fresh state has %d messages", len(state.Messages))
	}
}

func TestSaveAndLoadStateRoundTrip(t *testing.T) {
	store := testStore(t)

	state := orchestrator.NewConversationState("user-1")
	state.Phase = orchestrator.PhaseAwaitingApproval
	state.Iteration = 3
	state.OriginalPrompt = "reboot the web servers"
	state.Messages = []orchestrator.Message{
		orchestrator.TextMessage(orchestrator.RoleUser, "reboot the web servers"),
		{
			Role: orchestrator.RoleAssistant,
			Content: []orchestrator.ContentBlock{{
				Type:     orchestrator.BlockToolUse,
				ToolID:   "tu-1",
				ToolName: "execute_ssm_sync",
				Input:    json.RawMessage(`{"InstanceIds":["i-0a1"]}`),
			}},
		},
	}
	state.PendingUses = []orchestrator.ToolUse{{
		ID:    "tu-1",
		Name:  "execute_ssm_sync",
		Input: json.RawMessage(`{"InstanceIds":["i-0a1"]}`),
	}}
	state.PendingInputs["tu-1"] = json.RawMessage(`{"InstanceIds":["i-0a1"]}`)

	if err := store.SaveState(state); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	loaded, err := store.State("user-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if loaded.Phase != orchestrator.PhaseAwaitingApproval {
		t.Errorf("phase = %s", loaded.Phase)
	}
	if loaded.Iteration != 3 {
		t.Errorf("iteration = %d", loaded.Iteration)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(loaded.Messages))
	}
	if loaded.Messages[1].Content[0].ToolName != "execute_ssm_sync" {
		t.Errorf("tool use did not round-trip: %+v", loaded.Messages[1].Content[0])
	}
	if len(loaded.PendingUses) != 1 {
		t.Errorf("pending uses = %d", len(loaded.PendingUses))
	}
	if _, ok := loaded.PendingInputs["tu-1"]; !ok {
		t.Error("pending inputs did not round-trip")
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}
}

func TestSaveStateOverwrites(t *testing.T) {
	store := testStore(t)

	state := orchestrator.NewConversationState("user-1")
	state.Iteration = 1
	if err := store.SaveState(state); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	state.Iteration = 5
	state.Phase = orchestrator.PhaseHandedOff
	if err := store.SaveState(state); err != nil {
		t.Fatalf("second SaveState failed: %v", err)
	}

	loaded, err := store.State("user-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if loaded.Iteration != 5 || loaded.Phase != orchestrator.PhaseHandedOff {
		t.Errorf("loaded = iteration %d phase %s", loaded.Iteration, loaded.Phase)
	}
}

func TestDeleteState(t *testing.T) {
	store := testStore(t)

	state := orchestrator.NewConversationState("user-1")
	state.Iteration = 2
	if err := store.SaveState(state); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if err := store.DeleteState("user-1"); err != nil {
		t.Fatalf("DeleteState failed: %v", err)
	}

	loaded, err := store.State("user-1")
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if loaded.Iteration != 0 {
		t.Error("deleted state should load fresh")
	}
}

func TestApprovalLifecycle(t *testing.T) {
	store := testStore(t)

	if err := store.CreateApproval("tu-1", "user-1", "execute_ssm_sync"); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	approval, err := store.Approval("tu-1")
	if err != nil {
		t.Fatalf("Approval failed: %v", err)
	}
	if approval == nil {
		t.Fatal("approval not found after create")
	}
	if approval.Status != orchestrator.ApprovalPending {
		t.Errorf("status = %s, want pending", approval.Status)
	}
	if approval.ToolName != "execute_ssm_sync" {
		t.Errorf("tool name = %q", approval.ToolName)
	}

	if err := store.Decide("tu-1", orchestrator.ApprovalApproved, "ops-lead"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	approval, err = store.Approval("tu-1")
	if err != nil {
		t.Fatalf("Approval failed: %v", err)
	}
	if approval.Status != orchestrator.ApprovalApproved {
		t.Errorf("status = %s, want approved", approval.Status)
	}
	if approval.DecidedBy != "ops-lead" {
		t.Errorf("decided by = %q", approval.DecidedBy)
	}
	if approval.DecidedAt.IsZero() {
		t.Error("DecidedAt not stamped")
	}
}

func TestApprovalUnknownIsNil(t *testing.T) {
	store := testStore(t)

	approval, err := store.Approval("nope")
	if err != nil {
		t.Fatalf("Approval failed: %v", err)
	}
	if approval != nil {
		t.Errorf("approval = %+v, want nil", approval)
	}
}

func TestDecideUnknownApproval(t *testing.T) {
	store := testStore(t)

	err := store.Decide("nope", orchestrator.ApprovalRejected, "ops-lead")
	if !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("error = %v, want ErrApprovalNotFound", err)
	}
}

func TestPendingApprovalsOrderedOldestFirst(t *testing.T) {
	store := testStore(t)

	for _, id := range []string{"tu-1", "tu-2", "tu-3"} {
		if err := store.CreateApproval(id, "user-1", "execute_ssm_async"); err != nil {
			t.Fatalf("CreateApproval failed: %v", err)
		}
	}
	if err := store.Decide("tu-2", orchestrator.ApprovalRejected, "ops"); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	pending, err := store.PendingApprovals("user-1")
	if err != nil {
		t.Fatalf("PendingApprovals failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != "tu-1" || pending[1].ID != "tu-3" {
		t.Errorf("pending order = %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestExpireApprovals(t *testing.T) {
	store := testStore(t)

	if err := store.CreateApproval("tu-1", "user-1", "execute_ssm_sync"); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	// Everything created just now is older than a negative cutoff.
	expired, err := store.ExpireApprovals(-time.Minute)
	if err != nil {
		t.Fatalf("ExpireApprovals failed: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}

	approval, err := store.Approval("tu-1")
	if err != nil {
		t.Fatalf("Approval failed: %v", err)
	}
	if approval.Status != orchestrator.ApprovalExpired {
		t.Errorf("status = %s, want expired", approval.Status)
	}
}
