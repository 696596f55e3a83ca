package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show throttle, tracker, and token usage statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer app.close()

	stats := app.thr.Stats()
	fmt.Println(color.CyanString("Throttle"))
	fmt.Printf("  total requests:     %d\n", stats.TotalRequests)
	fmt.Printf("  throttled requests: %d\n", stats.ThrottledRequests)
	fmt.Printf("  breaker trips:      %d\n", stats.CircuitBreakerTrips)
	fmt.Printf("  failures:           %d\n", stats.ConsecutiveFailures)
	fmt.Printf("  circuit open:       %v\n", stats.CircuitOpen)
	fmt.Printf("  available tokens:   %.1f\n", stats.CurrentTokens)

	fmt.Println(color.CyanString("Tracker"))
	fmt.Printf("  active commands:  %d\n", app.track.ActiveCommands())
	fmt.Printf("  active workflows: %d\n", app.track.ActiveWorkflows())

	in, out := app.plan.Tokens().Total()
	fmt.Println(color.CyanString("Planner"))
	fmt.Printf("  model:       %s\n", app.plan.Model())
	fmt.Printf("  calls:       %d\n", app.plan.Tokens().Calls())
	fmt.Printf("  tokens:      %d in / %d out\n", in, out)
	fmt.Printf("  est. cost:   $%.4f\n", app.plan.Tokens().Cost())

	fmt.Println(color.CyanString("Storage"))
	fmt.Printf("  database: %s\n", app.db.Path())

	return nil
}
