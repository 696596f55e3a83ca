package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <user>",
	Short: "Resume a suspended conversation after approval decisions",
	Long: `Continue a conversation that suspended for approval. Approved
commands are executed, rejected ones are reported back to the assistant,
and the conversation runs to its next answer or suspension.

When an asynchronous command was dispatched, resume stays in the
foreground until background tracking reports completion.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.close()

	app.track.Start()

	reply, err := app.orch.Resume(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("%s: %w", reply, err)
	}
	if reply == "" {
		fmt.Println("Nothing to resume: results will arrive from background tracking.")
		return nil
	}
	fmt.Println(reply)

	// Async dispatches are now owned by the tracker; stay up until they
	// finish so completion callbacks reach the terminal.
	for app.track.ActiveCommands() > 0 {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}
