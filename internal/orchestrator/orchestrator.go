package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mzanetti/agentrun/internal/agent"
	"github.com/mzanetti/agentrun/internal/observability"
	"github.com/mzanetti/agentrun/internal/sessions"
	"github.com/mzanetti/agentrun/internal/tasks"
)

var (
	// ErrDirectoryBusy rejects an execute or loop start while the working
	// directory already has one active. No state is mutated on rejection.
	ErrDirectoryBusy = errors.New("an execution is already active for this working directory")

	ErrNoWorkingDirectory = errors.New("task has no working directory")
)

// ExecutingState tracks the live execution of one working directory. At most
// one exists per directory at any instant.
type ExecutingState struct {
	WorkingDirectory string    `json:"working_directory"`
	TaskID           string    `json:"task_id"`
	SubtaskID        string    `json:"subtask_id"`
	SessionID        string    `json:"session_id,omitempty"`
	StartedAt        time.Time `json:"started_at"`
}

// ExecutionResult is the terminal result of one subtask execution.
type ExecutionResult struct {
	SessionID    string        `json:"session_id"`
	Outcome      tasks.Outcome `json:"outcome"`
	Aborted      bool          `json:"aborted"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Recorder persists execution-driven subtask changes.
type Recorder interface {
	SetSubtaskStatus(ctx context.Context, taskID, subtaskID string, status tasks.SubtaskStatus) error
	AppendExecutionLog(ctx context.Context, taskID, subtaskID string, entry tasks.ExecutionLog) error
}

// Orchestrator enforces per-directory execution exclusivity and routes
// aborts to the session currently running a directory's subtask. The
// check-then-set guard runs under a real mutex: goroutines preempt, so an
// unlocked guard would not hold.
type Orchestrator struct {
	mu         sync.Mutex
	executing  map[string]*ExecutingState
	looping    map[string]bool
	loopAborts map[string]bool

	runner   agent.Runner
	recorder Recorder
	sessions *sessions.Store
	metrics  *observability.Metrics

	executionTimeout time.Duration
	defaultModelID   string
}

func New(runner agent.Runner, recorder Recorder, sessionStore *sessions.Store, metrics *observability.Metrics, executionTimeout time.Duration, defaultModelID string) *Orchestrator {
	if executionTimeout <= 0 {
		executionTimeout = 20 * time.Minute
	}
	return &Orchestrator{
		executing:        make(map[string]*ExecutingState),
		looping:          make(map[string]bool),
		loopAborts:       make(map[string]bool),
		runner:           runner,
		recorder:         recorder,
		sessions:         sessionStore,
		metrics:          metrics,
		executionTimeout: executionTimeout,
		defaultModelID:   defaultModelID,
	}
}

// ExecuteSubtask runs one subtask through the agent runtime and blocks until
// the run finishes. The directory's ExecutingState is released on every exit
// path, success, failure, thrown error or abort alike.
func (o *Orchestrator) ExecuteSubtask(ctx context.Context, task tasks.Task, subtaskID, modelID string) (ExecutionResult, error) {
	dir := strings.TrimSpace(task.WorkingDirectory)
	if dir == "" {
		return ExecutionResult{}, ErrNoWorkingDirectory
	}
	subtask, ok := task.Subtask(subtaskID)
	if !ok {
		return ExecutionResult{}, tasks.ErrSubtaskNotFound
	}
	if modelID == "" {
		modelID = o.defaultModelID
	}

	state := &ExecutingState{
		WorkingDirectory: dir,
		TaskID:           task.ID,
		SubtaskID:        subtaskID,
		StartedAt:        time.Now().UTC(),
	}

	o.mu.Lock()
	if _, busy := o.executing[dir]; busy {
		o.mu.Unlock()
		return ExecutionResult{}, ErrDirectoryBusy
	}
	o.executing[dir] = state
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ActiveExecutions.Inc()
	}
	defer o.release(dir, state)

	if o.recorder != nil {
		_ = o.recorder.SetSubtaskStatus(ctx, task.ID, subtaskID, tasks.SubtaskStatusInProgress)
	}

	runCtx, cancel := context.WithTimeout(ctx, o.executionTimeout)
	defer cancel()

	started := time.Now()
	res, err := o.runner.RunSubtask(runCtx, agent.ExecutionRequest{
		TaskID:           task.ID,
		SubtaskID:        subtaskID,
		Prompt:           subtask.Text,
		WorkingDirectory: dir,
		ModelID:          modelID,
		OnSession: func(sessionID string) {
			// Recorded on the live state so a concurrent abort can route to
			// the session before the run completes.
			o.mu.Lock()
			if o.executing[dir] == state {
				state.SessionID = sessionID
			}
			o.mu.Unlock()
			if o.sessions != nil {
				o.sessions.SetCurrent(sessionID)
			}
		},
	})
	duration := time.Since(started)

	if err != nil {
		entry := tasks.ExecutionLog{
			SessionID:    state.SessionID,
			ModelID:      modelID,
			StartedAt:    state.StartedAt,
			CompletedAt:  time.Now().UTC(),
			Duration:     duration,
			Outcome:      tasks.OutcomeFailed,
			ErrorMessage: err.Error(),
		}
		if o.recorder != nil {
			_ = o.recorder.SetSubtaskStatus(ctx, task.ID, subtaskID, tasks.SubtaskStatusFailed)
			_ = o.recorder.AppendExecutionLog(ctx, task.ID, subtaskID, entry)
		}
		if o.metrics != nil {
			o.metrics.ObserveExecution("error", duration)
		}
		return ExecutionResult{}, err
	}

	outcome := mapOutcome(res.Outcome, res.Aborted)
	result := ExecutionResult{
		SessionID:    res.SessionID,
		Outcome:      outcome,
		Aborted:      res.Aborted || outcome == tasks.OutcomeAborted,
		ErrorMessage: res.ErrorMessage,
	}

	entry := tasks.ExecutionLog{
		SessionID:    result.SessionID,
		ModelID:      modelID,
		StartedAt:    state.StartedAt,
		CompletedAt:  time.Now().UTC(),
		Duration:     duration,
		Outcome:      outcome,
		ErrorMessage: result.ErrorMessage,
	}
	if o.recorder != nil {
		_ = o.recorder.SetSubtaskStatus(ctx, task.ID, subtaskID, subtaskStatusFor(outcome))
		_ = o.recorder.AppendExecutionLog(ctx, task.ID, subtaskID, entry)
	}
	if o.metrics != nil {
		o.metrics.ObserveExecution(string(outcome), duration)
	}
	return result, nil
}

// AbortExecution cancels the session currently executing in the directory.
// With no active execution, or before the runtime has reported a session id,
// this is a no-op. On a failed abort the state is left untouched: the
// execution is assumed still running.
func (o *Orchestrator) AbortExecution(ctx context.Context, workingDirectory string) error {
	dir := strings.TrimSpace(workingDirectory)

	o.mu.Lock()
	state := o.executing[dir]
	sessionID := ""
	if state != nil {
		sessionID = state.SessionID
	}
	o.mu.Unlock()

	if state == nil || sessionID == "" {
		return nil
	}

	if err := o.runner.AbortSession(ctx, sessionID); err != nil {
		return err
	}
	o.release(dir, state)
	return nil
}

// release removes the ExecutingState for dir if it is still the given one.
// Both the execute path and the abort path call it; pointer identity keeps
// the gauge balanced when they race.
func (o *Orchestrator) release(dir string, state *ExecutingState) {
	o.mu.Lock()
	current, ok := o.executing[dir]
	if ok && current == state {
		delete(o.executing, dir)
	} else {
		ok = false
	}
	o.mu.Unlock()

	if ok && o.metrics != nil {
		o.metrics.ActiveExecutions.Dec()
	}
}

// Executions returns a snapshot of all active ExecutingStates.
func (o *Orchestrator) Executions() []ExecutingState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ExecutingState, 0, len(o.executing))
	for _, st := range o.executing {
		out = append(out, *st)
	}
	return out
}

func (o *Orchestrator) IsExecuting(workingDirectory string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.executing[strings.TrimSpace(workingDirectory)]
	return ok
}

func mapOutcome(outcome string, aborted bool) tasks.Outcome {
	if aborted {
		return tasks.OutcomeAborted
	}
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case "success":
		return tasks.OutcomeSuccess
	case "partial":
		return tasks.OutcomePartial
	case "aborted":
		return tasks.OutcomeAborted
	default:
		return tasks.OutcomeFailed
	}
}

func subtaskStatusFor(outcome tasks.Outcome) tasks.SubtaskStatus {
	switch outcome {
	case tasks.OutcomeSuccess:
		return tasks.SubtaskStatusCompleted
	case tasks.OutcomeAborted:
		return tasks.SubtaskStatusWaiting
	default:
		return tasks.SubtaskStatusFailed
	}
}
