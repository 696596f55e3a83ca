package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var askUser string

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Ask the operations assistant a question or give it a task",
	Long: `Send one prompt through the conversation loop. The assistant may
answer directly, run read-only tools, or suspend for approval when the
plan includes SSM command execution.

Examples:
  smartops ask "which instances are running?"
  smartops ask "check disk usage on i-0abc123"
  smartops ask --user alice "restart nginx on all web servers"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askUser, "user", "default", "Conversation owner (keys the stored state)")
}

func runAsk(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.close()

	app.track.Start()

	prompt := strings.Join(args, " ")
	reply, err := app.orch.Run(cmd.Context(), askUser, prompt)
	if err != nil {
		return fmt.Errorf("%s: %w", reply, err)
	}

	fmt.Println(reply)
	return nil
}
