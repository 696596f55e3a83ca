package tracker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Invocation is the status of a remote command as reported by the status
// capability.
type Invocation struct {
	Status CommandStatus
	Stdout string
	Stderr string
}

// StatusChecker queries the remote API for the state of one command on one
// instance. Implementations route the call through the throttle.
type StatusChecker interface {
	CommandInvocation(ctx context.Context, commandID, instanceID string) (Invocation, error)
}

// Callbacks receives completion notifications from the tracker. The
// implementation decides how to surface results (chat message, log, ...).
type Callbacks interface {
	// OnCommandCompleted fires once per command when it reaches a terminal
	// status. workflow is nil for standalone commands.
	OnCommandCompleted(info *CommandInfo, workflow *WorkflowInfo)
	// OnWorkflowCompleted fires exactly once, after the workflow's last
	// member command finalizes.
	OnWorkflowCompleted(workflow *WorkflowInfo)
}

// Config holds tracker settings. Zero values are replaced by defaults.
type Config struct {
	// PollInterval is the loop cadence (default 1s).
	PollInterval time.Duration
	// DefaultTimeout bounds how long a command is polled (default 15m).
	DefaultTimeout time.Duration
	// BaseBackoff is the initial per-command poll delay (default 3s).
	BaseBackoff time.Duration
	// MaxBackoff caps the per-command poll delay (default 10s).
	MaxBackoff time.Duration
	// BackoffFactor is the exponential growth factor (default 1.2).
	BackoffFactor float64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Minute
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 3 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 1.2
	}
	return c
}

// CommandTracker runs one background polling loop per process, shared by
// all tracked commands. Registration calls and the loop both mutate the
// active maps, so every access goes through one mutex.
type CommandTracker struct {
	cfg     Config
	checker StatusChecker

	mu        sync.Mutex
	commands  map[commandKey]*CommandInfo
	workflows map[string]*WorkflowInfo
	callbacks Callbacks

	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	logf func(format string, args ...interface{})

	now func() time.Time
}

// commandKey identifies one tracked invocation. SSM returns a single
// command ID for a multi-instance send, so the command ID alone is not
// unique in the active set.
type commandKey struct {
	commandID  string
	instanceID string
}

// New creates a CommandTracker polling through checker.
func New(checker StatusChecker, cfg Config) *CommandTracker {
	return &CommandTracker{
		cfg:       cfg.withDefaults(),
		checker:   checker,
		commands:  make(map[commandKey]*CommandInfo),
		workflows: make(map[string]*WorkflowInfo),
		now:       time.Now,
	}
}

// SetCallbacks installs the completion callbacks. Must be called before
// Start.
func (t *CommandTracker) SetCallbacks(cb Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = cb
}

// SetLogger installs a printf-style debug logger. Nil disables logging.
func (t *CommandTracker) SetLogger(logf func(format string, args ...interface{})) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logf = logf
}

func (t *CommandTracker) debugf(format string, args ...interface{}) {
	t.mu.Lock()
	logf := t.logf
	t.mu.Unlock()
	if logf != nil {
		logf(format, args...)
	}
}

// Start launches the background polling loop. Idempotent.
func (t *CommandTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx)
}

// Stop cancels the polling loop and waits for it to exit. An in-flight
// poll of one command finishes before the loop observes cancellation.
// Idempotent.
func (t *CommandTracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	cancel()
	<-done
}

// Track registers a command for polling. A zero timeout uses the
// configured default. If workflowID names a known workflow, the command is
// appended to it.
func (t *CommandTracker) Track(commandID, instanceID, documentName string, parameters map[string]string, workflowID string, timeout time.Duration) *CommandInfo {
	if timeout <= 0 {
		timeout = t.cfg.DefaultTimeout
	}
	now := t.now()
	info := &CommandInfo{
		CommandID:     commandID,
		InstanceID:    instanceID,
		WorkflowID:    workflowID,
		DocumentName:  documentName,
		Parameters:    sanitizeParameters(parameters),
		Status:        StatusPending,
		StartedAt:     now,
		TimeoutAt:     now.Add(timeout),
		NextPollDelay: t.cfg.BaseBackoff,
	}

	t.mu.Lock()
	t.commands[commandKey{commandID, instanceID}] = info
	if wf, ok := t.workflows[workflowID]; workflowID != "" && ok {
		wf.CommandIDs = append(wf.CommandIDs, info.Key())
	}
	t.mu.Unlock()

	t.debugf("tracker: tracking command %s on %s (workflow %q, timeout %s)",
		commandID, instanceID, workflowID, timeout)
	return info
}

// CreateWorkflow registers an aggregation bucket for a multi-target
// operation. Member commands reference it by ID when tracked.
func (t *CommandTracker) CreateWorkflow(workflowID, operationType string, expectedCount int) *WorkflowInfo {
	wf := &WorkflowInfo{
		WorkflowID:    workflowID,
		OperationType: operationType,
		ExpectedCount: expectedCount,
		StartedAt:     t.now(),
	}

	t.mu.Lock()
	t.workflows[workflowID] = wf
	t.mu.Unlock()

	t.debugf("tracker: created workflow %s for %d %s commands", workflowID, expectedCount, operationType)
	return wf
}

// Command returns a snapshot of a tracked invocation, or nil if the
// command/instance pair is not in the active set.
func (t *CommandTracker) Command(commandID, instanceID string) *CommandInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.commands[commandKey{commandID, instanceID}]
	if !ok {
		return nil
	}
	snapshot := *info
	return &snapshot
}

// Workflow returns a snapshot of a workflow, or nil if unknown. Completed
// workflows are retained for later query; eviction is the caller's policy.
func (t *CommandTracker) Workflow(workflowID string) *WorkflowInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	wf, ok := t.workflows[workflowID]
	if !ok {
		return nil
	}
	snapshot := *wf
	snapshot.CommandIDs = append([]string(nil), wf.CommandIDs...)
	return &snapshot
}

// ActiveCommands returns the number of commands still being polled.
func (t *CommandTracker) ActiveCommands() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.commands)
}

// ActiveWorkflows returns the number of workflows not yet complete.
func (t *CommandTracker) ActiveWorkflows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, wf := range t.workflows {
		if !wf.Complete() {
			n++
		}
	}
	return n
}

func (t *CommandTracker) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollDue(ctx)
		}
	}
}

// pollDue polls every active command whose backoff delay has elapsed.
func (t *CommandTracker) pollDue(ctx context.Context) {
	t.mu.Lock()
	due := make([]*CommandInfo, 0, len(t.commands))
	now := t.now()
	for _, info := range t.commands {
		if info.LastPolledAt.IsZero() || now.Sub(info.LastPolledAt) >= info.NextPollDelay {
			due = append(due, info)
		}
	}
	t.mu.Unlock()

	for _, info := range due {
		if ctx.Err() != nil {
			return
		}
		t.pollCommand(ctx, info)
	}
}

// pollCommand checks one command: timeout first, then a status query. A
// transient "not yet visible" error only backs off and retries.
func (t *CommandTracker) pollCommand(ctx context.Context, info *CommandInfo) {
	now := t.now()

	if !now.Before(info.TimeoutAt) {
		t.mu.Lock()
		info.Status = StatusTimedOut
		info.ErrorMessage = fmt.Sprintf("command timed out after %d polls", info.PollCount)
		info.LastPolledAt = now
		info.CompletedAt = now
		t.mu.Unlock()
		t.debugf("tracker: command %s timed out on %s", info.CommandID, info.InstanceID)
		t.finalize(info)
		return
	}

	inv, err := t.checker.CommandInvocation(ctx, info.CommandID, info.InstanceID)

	t.mu.Lock()
	info.LastPolledAt = t.now()
	info.PollCount++
	info.NextPollDelay = t.backoff(info.PollCount)

	if err != nil {
		t.mu.Unlock()
		if strings.Contains(err.Error(), "InvocationDoesNotExist") {
			// Dispatch is not yet visible to the status API; retry later.
			t.debugf("tracker: command %s not yet visible, will retry", info.CommandID)
		} else {
			t.debugf("tracker: error polling command %s: %v", info.CommandID, err)
		}
		return
	}

	prev := info.Status
	info.Status = inv.Status
	if inv.Status.Terminal() {
		info.CompletedAt = t.now()
		info.Stdout = inv.Stdout
		info.Stderr = inv.Stderr
		if inv.Status != StatusSuccess && info.ErrorMessage == "" {
			info.ErrorMessage = inv.Stderr
		}
	}
	t.mu.Unlock()

	if prev != inv.Status {
		t.debugf("tracker: command %s status %s -> %s (poll #%d)",
			info.CommandID, prev, inv.Status, info.PollCount)
	}

	if inv.Status.Terminal() {
		t.finalize(info)
	}
}

// backoff returns the poll delay after pollCount attempts, growing
// exponentially up to the configured maximum.
func (t *CommandTracker) backoff(pollCount int) time.Duration {
	d := time.Duration(float64(t.cfg.BaseBackoff) * math.Pow(t.cfg.BackoffFactor, float64(pollCount)))
	if d > t.cfg.MaxBackoff {
		d = t.cfg.MaxBackoff
	}
	return d
}

// finalize removes a terminal command from the active set, updates its
// workflow, and fires callbacks. Each command finalizes exactly once.
func (t *CommandTracker) finalize(info *CommandInfo) {
	key := commandKey{info.CommandID, info.InstanceID}
	t.mu.Lock()
	if _, active := t.commands[key]; !active {
		t.mu.Unlock()
		return
	}
	delete(t.commands, key)

	var wf *WorkflowInfo
	var workflowDone bool
	if info.WorkflowID != "" {
		if w, ok := t.workflows[info.WorkflowID]; ok {
			w.recordCompletion(info.Status == StatusSuccess, t.now())
			wf = w
			// Fires only on the finalize that reaches the expected count,
			// never on stragglers past it.
			workflowDone = w.CompletedCount == w.ExpectedCount
		}
	}
	cb := t.callbacks
	t.mu.Unlock()

	t.debugf("tracker: command %s completed: %s (instance %s)",
		info.CommandID, info.Status, info.InstanceID)

	if cb != nil {
		cb.OnCommandCompleted(info, wf)
		if workflowDone {
			cb.OnWorkflowCompleted(wf)
		}
	}
}
