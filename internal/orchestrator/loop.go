package orchestrator

import (
	"context"
	"sort"
	"strings"

	"github.com/mzanetti/agentrun/internal/tasks"
)

// LoopResult summarizes one unattended loop over a task's subtasks.
type LoopResult struct {
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Aborted   bool `json:"aborted"`
}

// StartLoop executes every eligible subtask of the task in order, one at a
// time, and blocks until the loop ends. Eligibility is decided from the
// task snapshot taken at loop start: waiting and failed subtasks run,
// everything else is skipped. A failed subtask does not stop the loop; a
// transport error from the runtime does.
func (o *Orchestrator) StartLoop(ctx context.Context, task tasks.Task, modelID string) (LoopResult, error) {
	dir := strings.TrimSpace(task.WorkingDirectory)
	if dir == "" {
		return LoopResult{}, ErrNoWorkingDirectory
	}

	o.mu.Lock()
	if _, busy := o.executing[dir]; busy || o.looping[dir] {
		o.mu.Unlock()
		return LoopResult{}, ErrDirectoryBusy
	}
	o.looping[dir] = true
	o.loopAborts[dir] = false
	o.mu.Unlock()

	// Flags are cleared on every exit path so a later loop can start.
	defer func() {
		o.mu.Lock()
		delete(o.looping, dir)
		delete(o.loopAborts, dir)
		o.mu.Unlock()
	}()

	queue := make([]tasks.Subtask, len(task.Subtasks))
	copy(queue, task.Subtasks)
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].Order < queue[j].Order })

	var result LoopResult
	for _, subtask := range queue {
		if !subtask.Eligible() {
			continue
		}
		if ctx.Err() != nil || o.loopAborted(dir) {
			result.Aborted = true
			break
		}

		execResult, err := o.ExecuteSubtask(ctx, task, subtask.ID, modelID)
		if err != nil {
			o.observeLoop("error")
			return result, err
		}
		// Any non-success outcome, an aborted run included, counts as failed
		// and the loop moves on. Only the stop flag ends the loop early.
		if execResult.Outcome == tasks.OutcomeSuccess {
			result.Completed++
		} else {
			result.Failed++
		}
	}

	if result.Aborted {
		o.observeLoop("aborted")
	} else {
		o.observeLoop("finished")
	}
	return result, nil
}

// StopLoop requests that a running loop stop after its current subtask
// finishes. The in-flight execution is not interrupted; abort that
// separately via AbortExecution. Without an active loop this is a no-op.
func (o *Orchestrator) StopLoop(workingDirectory string) {
	dir := strings.TrimSpace(workingDirectory)
	o.mu.Lock()
	if o.looping[dir] {
		o.loopAborts[dir] = true
	}
	o.mu.Unlock()
}

func (o *Orchestrator) IsLooping(workingDirectory string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.looping[strings.TrimSpace(workingDirectory)]
}

func (o *Orchestrator) loopAborted(dir string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loopAborts[dir]
}

func (o *Orchestrator) observeLoop(outcome string) {
	if o.metrics != nil {
		o.metrics.LoopOutcomes.WithLabelValues(outcome).Inc()
	}
}
