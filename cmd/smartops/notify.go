package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/ohlala-ops/smartops/internal/orchestrator"
	"github.com/ohlala-ops/smartops/internal/state"
	"github.com/ohlala-ops/smartops/internal/tracker"
)

// approvalRecorder persists an approval row for each gated invocation when
// the loop suspends, and tells the user how to decide them.
type approvalRecorder struct {
	store *state.Store
}

func (r *approvalRecorder) RequestApproval(userID string, uses []orchestrator.ToolUse) {
	fmt.Printf("\n%s The following command(s) need approval:\n\n", color.YellowString("⚠"))
	for _, use := range uses {
		if err := r.store.CreateApproval(use.ID, userID, use.Name); err != nil {
			fmt.Printf("%s record approval %s: %v\n", color.RedString("✗"), use.ID, err)
			continue
		}
		fmt.Printf("  %s  %s\n", color.CyanString(use.ID), use.Name)
		fmt.Printf("      input: %s\n", truncate(string(use.Input), 200))
	}
	fmt.Printf("\nDecide with:\n")
	fmt.Printf("  smartops approve <invocation-id> --user %s\n", userID)
	fmt.Printf("  smartops reject <invocation-id> --user %s\n\n", userID)
}

// consoleCallbacks prints tracker completions to the terminal.
type consoleCallbacks struct{}

func (consoleCallbacks) OnCommandCompleted(info *tracker.CommandInfo, workflow *tracker.WorkflowInfo) {
	mark := color.GreenString("✓")
	if info.Status != tracker.StatusSuccess {
		mark = color.RedString("✗")
	}
	fmt.Printf("%s command %s on %s finished: %s\n", mark, info.CommandID, info.InstanceID, info.Status)
	if info.Status != tracker.StatusSuccess && info.Stderr != "" {
		fmt.Printf("  stderr: %s\n", truncate(info.Stderr, 500))
	}
}

func (consoleCallbacks) OnWorkflowCompleted(workflow *tracker.WorkflowInfo) {
	fmt.Printf("%s workflow %s complete: %d/%d succeeded (%.0f%%)\n",
		color.CyanString("▸"), workflow.WorkflowID,
		workflow.SuccessCount, workflow.ExpectedCount, workflow.SuccessRate())
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
