// Package tracker polls long-running remote commands to completion without
// blocking callers, and aggregates multi-target operations into workflows.
package tracker

import (
	"strings"
	"time"
)

// CommandStatus is the lifecycle state of a tracked command. The values
// mirror the remote command-invocation states.
type CommandStatus string

const (
	StatusPending          CommandStatus = "Pending"
	StatusInProgress       CommandStatus = "InProgress"
	StatusDelayed          CommandStatus = "Delayed"
	StatusSuccess          CommandStatus = "Success"
	StatusFailed           CommandStatus = "Failed"
	StatusCancelled        CommandStatus = "Cancelled"
	StatusTerminated       CommandStatus = "Terminated"
	StatusDeliveryTimedOut CommandStatus = "DeliveryTimedOut"
	StatusTimedOut         CommandStatus = "ExecutionTimedOut"
	StatusUndeliverable    CommandStatus = "Undeliverable"
)

// Terminal reports whether the status is final. A terminal command is
// removed from the active set and never polled again.
func (s CommandStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTerminated,
		StatusDeliveryTimedOut, StatusTimedOut, StatusUndeliverable:
		return true
	}
	return false
}

// ParseStatus maps a raw status string from the remote API onto a
// CommandStatus. Unknown strings are treated as Pending.
func ParseStatus(raw string) CommandStatus {
	switch CommandStatus(raw) {
	case StatusPending, StatusInProgress, StatusDelayed, StatusSuccess,
		StatusFailed, StatusCancelled, StatusTerminated,
		StatusDeliveryTimedOut, StatusTimedOut, StatusUndeliverable:
		return CommandStatus(raw)
	}
	return StatusPending
}

// CommandInfo tracks one remote command from registration through polling
// to completion. Mutated only by the tracker's poll loop.
type CommandInfo struct {
	CommandID    string
	InstanceID   string
	WorkflowID   string
	DocumentName string
	Parameters   map[string]string
	Status       CommandStatus

	StartedAt    time.Time
	LastPolledAt time.Time
	CompletedAt  time.Time
	TimeoutAt    time.Time

	PollCount     int
	NextPollDelay time.Duration

	ErrorMessage string
	Stdout       string
	Stderr       string
}

// Key identifies this invocation within its workflow. One SSM send to N
// instances shares a command ID across N invocations.
func (c *CommandInfo) Key() string {
	return c.CommandID + "/" + c.InstanceID
}

// sensitiveKeyFragments flags parameter names whose values are redacted
// before storage.
var sensitiveKeyFragments = []string{"password", "secret", "token", "key", "credential", "apikey"}

// sanitizeParameters returns a copy of params with secret-looking values
// redacted.
func sanitizeParameters(params map[string]string) map[string]string {
	if params == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		lower := strings.ToLower(k)
		redact := false
		for _, frag := range sensitiveKeyFragments {
			if strings.Contains(lower, frag) {
				redact = true
				break
			}
		}
		if redact {
			out[k] = "***REDACTED***"
		} else {
			out[k] = v
		}
	}
	return out
}

// WorkflowInfo aggregates the commands of one multi-target operation.
type WorkflowInfo struct {
	WorkflowID     string
	OperationType  string
	ExpectedCount  int
	CompletedCount int
	SuccessCount   int
	FailedCount    int
	CommandIDs     []string

	StartedAt   time.Time
	CompletedAt time.Time
}

// Complete reports whether every expected command has finalized.
func (w *WorkflowInfo) Complete() bool {
	return w.CompletedCount >= w.ExpectedCount
}

// SuccessRate returns the percentage of completed commands that succeeded.
func (w *WorkflowInfo) SuccessRate() float64 {
	if w.CompletedCount == 0 {
		return 0
	}
	return float64(w.SuccessCount) / float64(w.CompletedCount) * 100
}

// recordCompletion tallies one finalized member command.
func (w *WorkflowInfo) recordCompletion(success bool, now time.Time) {
	w.CompletedCount++
	if success {
		w.SuccessCount++
	} else {
		w.FailedCount++
	}
	if w.Complete() {
		w.CompletedAt = now
	}
}
