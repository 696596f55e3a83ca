package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ohlala-ops/smartops/internal/orchestrator"
)

var (
	decideUser string
	decidedBy  string
	decideRun  bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <invocation-id>",
	Short: "Approve a pending command and resume the conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecision(cmd, args[0], orchestrator.ApprovalApproved)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <invocation-id>",
	Short: "Reject a pending command and resume the conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecision(cmd, args[0], orchestrator.ApprovalRejected)
	},
}

func init() {
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&decideUser, "user", "default", "Conversation owner to resume after the decision")
		c.Flags().StringVar(&decidedBy, "by", "", "Who made the decision (recorded in the audit trail)")
		c.Flags().BoolVar(&decideRun, "resume", true, "Resume the conversation after recording the decision")
	}
}

func runDecision(cmd *cobra.Command, toolID string, status orchestrator.ApprovalStatus) error {
	app, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.store.Decide(toolID, status, decidedBy); err != nil {
		return err
	}

	mark := color.GreenString("✓")
	if status == orchestrator.ApprovalRejected {
		mark = color.RedString("✗")
	}
	fmt.Printf("%s invocation %s %s\n", mark, toolID, status)

	if !decideRun {
		return nil
	}

	// Only resume once every pending invocation has a decision; a partial
	// resume would skip the undecided ones.
	pending, err := app.store.PendingApprovals(decideUser)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		fmt.Printf("%d invocation(s) still pending; run resume after deciding them.\n", len(pending))
		return nil
	}

	app.track.Start()

	reply, err := app.orch.Resume(cmd.Context(), decideUser)
	if err != nil {
		return fmt.Errorf("%s: %w", reply, err)
	}
	if reply != "" {
		fmt.Println(reply)
	}
	return nil
}
