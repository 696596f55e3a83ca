package orchestrator

import (
	"encoding/json"
	"strings"
)

// broadPhrases mark a user request as targeting the whole fleet.
var broadPhrases = []string{
	"all instances",
	"all my instances",
	"every instance",
	"all servers",
	"all my servers",
	"every server",
	"on all",
	"across all",
}

// breadthCorrection nudges the planner when a fleet-wide request produced
// a single-target plan.
const breadthCorrection = "VALIDATION ERROR: You were asked to run this on ALL instances, " +
	"but the proposed commands target only one. List the available instances first, then " +
	"issue send-command calls that cover every instance, grouping them by platform " +
	"(AWS-RunShellScript for Linux, AWS-RunPowerShellScript for Windows)."

// broadRequest reports whether the user's latest message asks for a
// fleet-wide operation.
func broadRequest(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range broadPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// validateBreadth checks that a fleet-wide request is reflected by the
// proposed invocations: the mutating calls must collectively name at
// least two distinct instances, or there must be at least two of them.
// A round that is pure discovery always passes.
func validateBreadth(uses []ToolUse, runner ToolRunner) bool {
	var mutating []ToolUse
	for _, use := range uses {
		if runner.Gated(use.Name) {
			mutating = append(mutating, use)
		}
	}

	// Discovery phase: the planner is still finding out what exists.
	if len(mutating) == 0 {
		return true
	}

	if len(mutating) >= 2 {
		return true
	}

	distinct := map[string]struct{}{}
	for _, use := range mutating {
		for _, id := range instanceTargets(use.Input) {
			distinct[id] = struct{}{}
		}
	}
	return len(distinct) >= 2
}

// instanceTargets extracts the instance IDs named by a tool input.
func instanceTargets(input json.RawMessage) []string {
	var params struct {
		InstanceIDs []string `json:"InstanceIds"`
		InstanceID  string   `json:"InstanceId"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil
	}
	ids := params.InstanceIDs
	if params.InstanceID != "" {
		ids = append(ids, params.InstanceID)
	}
	return ids
}
