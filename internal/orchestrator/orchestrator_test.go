package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mzanetti/agentrun/internal/agent"
	"github.com/mzanetti/agentrun/internal/sessions"
	"github.com/mzanetti/agentrun/internal/tasks"
)

// stubRunner is a scriptable agent.Runner. Results and errors are keyed by
// subtask id; a non-nil block channel makes RunSubtask wait until released.
type stubRunner struct {
	mu        sync.Mutex
	calls     []string
	aborts    []string
	results   map[string]agent.ExecutionResult
	errs      map[string]error
	sessionID string
	abortErr  error
	started   chan string
	block     chan struct{}
}

func (r *stubRunner) RunSubtask(ctx context.Context, req agent.ExecutionRequest) (agent.ExecutionResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req.SubtaskID)
	r.mu.Unlock()

	if r.sessionID != "" && req.OnSession != nil {
		req.OnSession(r.sessionID)
	}
	if r.started != nil {
		r.started <- req.SubtaskID
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return agent.ExecutionResult{}, ctx.Err()
		}
	}
	if err := r.errs[req.SubtaskID]; err != nil {
		return agent.ExecutionResult{}, err
	}
	if res, ok := r.results[req.SubtaskID]; ok {
		return res, nil
	}
	return agent.ExecutionResult{SessionID: r.sessionID, Outcome: "success"}, nil
}

func (r *stubRunner) AbortSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	r.aborts = append(r.aborts, sessionID)
	r.mu.Unlock()
	return r.abortErr
}

func (r *stubRunner) Health(ctx context.Context) bool { return true }

func (r *stubRunner) StreamEvents(ctx context.Context, directory string, fn func(agent.Event)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *stubRunner) callIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type statusWrite struct {
	subtaskID string
	status    tasks.SubtaskStatus
}

type recordingRecorder struct {
	mu       sync.Mutex
	statuses []statusWrite
	logs     []tasks.ExecutionLog
}

func (r *recordingRecorder) SetSubtaskStatus(ctx context.Context, taskID, subtaskID string, status tasks.SubtaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, statusWrite{subtaskID: subtaskID, status: status})
	return nil
}

func (r *recordingRecorder) AppendExecutionLog(ctx context.Context, taskID, subtaskID string, entry tasks.ExecutionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, entry)
	return nil
}

func testTask(statuses ...tasks.SubtaskStatus) tasks.Task {
	task := tasks.Task{
		ID:               "task-1",
		Text:             "ship the feature",
		WorkingDirectory: "/home/dev/project",
	}
	for i, status := range statuses {
		task.Subtasks = append(task.Subtasks, tasks.Subtask{
			ID:     subtaskID(i),
			TaskID: task.ID,
			Text:   "do part",
			Status: status,
			Order:  i,
		})
	}
	return task
}

func subtaskID(i int) string {
	return string(rune('a'+i)) + "-sub"
}

func TestExecuteSubtaskRejectsBusyDirectory(t *testing.T) {
	runner := &stubRunner{
		sessionID: "sess-1",
		started:   make(chan string, 1),
		block:     make(chan struct{}),
	}
	rec := &recordingRecorder{}
	orch := New(runner, rec, sessions.NewStore(), nil, time.Minute, "model-a")
	task := testTask(tasks.SubtaskStatusWaiting, tasks.SubtaskStatusWaiting)

	done := make(chan error, 1)
	go func() {
		_, err := orch.ExecuteSubtask(context.Background(), task, subtaskID(0), "")
		done <- err
	}()
	<-runner.started

	if _, err := orch.ExecuteSubtask(context.Background(), task, subtaskID(1), ""); !errors.Is(err, ErrDirectoryBusy) {
		t.Fatalf("ExecuteSubtask() error = %v, want %v", err, ErrDirectoryBusy)
	}

	close(runner.block)
	if err := <-done; err != nil {
		t.Fatalf("ExecuteSubtask() error = %v, want nil", err)
	}
	if got := runner.callIDs(); len(got) != 1 {
		t.Fatalf("runner calls = %v, want only the first subtask", got)
	}
}

func TestExecuteSubtaskReleasesStateOnSuccess(t *testing.T) {
	runner := &stubRunner{sessionID: "sess-1"}
	rec := &recordingRecorder{}
	orch := New(runner, rec, sessions.NewStore(), nil, time.Minute, "model-a")
	task := testTask(tasks.SubtaskStatusWaiting)

	res, err := orch.ExecuteSubtask(context.Background(), task, subtaskID(0), "")
	if err != nil {
		t.Fatalf("ExecuteSubtask() error = %v, want nil", err)
	}
	if res.Outcome != tasks.OutcomeSuccess {
		t.Fatalf("Outcome = %v, want %v", res.Outcome, tasks.OutcomeSuccess)
	}
	if orch.IsExecuting(task.WorkingDirectory) {
		t.Fatal("IsExecuting() = true after completed run, want false")
	}

	// The directory must be reusable immediately.
	if _, err := orch.ExecuteSubtask(context.Background(), task, subtaskID(0), ""); err != nil {
		t.Fatalf("second ExecuteSubtask() error = %v, want nil", err)
	}
}

func TestExecuteSubtaskReleasesStateOnError(t *testing.T) {
	runErr := errors.New("gateway connection reset")
	runner := &stubRunner{errs: map[string]error{subtaskID(0): runErr}}
	rec := &recordingRecorder{}
	orch := New(runner, rec, sessions.NewStore(), nil, time.Minute, "model-a")
	task := testTask(tasks.SubtaskStatusWaiting)

	if _, err := orch.ExecuteSubtask(context.Background(), task, subtaskID(0), ""); !errors.Is(err, runErr) {
		t.Fatalf("ExecuteSubtask() error = %v, want %v", err, runErr)
	}
	if orch.IsExecuting(task.WorkingDirectory) {
		t.Fatal("IsExecuting() = true after failed run, want false")
	}

	want := []statusWrite{
		{subtaskID: subtaskID(0), status: tasks.SubtaskStatusInProgress},
		{subtaskID: subtaskID(0), status: tasks.SubtaskStatusFailed},
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.statuses) != len(want) {
		t.Fatalf("status writes = %v, want %v", rec.statuses, want)
	}
	for i := range want {
		if rec.statuses[i] != want[i] {
			t.Fatalf("status write %d = %v, want %v", i, rec.statuses[i], want[i])
		}
	}
	if len(rec.logs) != 1 || rec.logs[0].Outcome != tasks.OutcomeFailed {
		t.Fatalf("execution logs = %+v, want one failed entry", rec.logs)
	}
	if rec.logs[0].ErrorMessage != runErr.Error() {
		t.Fatalf("log ErrorMessage = %q, want %q", rec.logs[0].ErrorMessage, runErr.Error())
	}
}

func TestExecuteSubtaskRecordsOutcome(t *testing.T) {
	runner := &stubRunner{
		sessionID: "sess-9",
		results: map[string]agent.ExecutionResult{
			subtaskID(0): {SessionID: "sess-9", Outcome: "success"},
		},
	}
	rec := &recordingRecorder{}
	store := sessions.NewStore()
	orch := New(runner, rec, store, nil, time.Minute, "model-a")
	task := testTask(tasks.SubtaskStatusWaiting)

	res, err := orch.ExecuteSubtask(context.Background(), task, subtaskID(0), "")
	if err != nil {
		t.Fatalf("ExecuteSubtask() error = %v, want nil", err)
	}
	if res.SessionID != "sess-9" {
		t.Fatalf("SessionID = %q, want %q", res.SessionID, "sess-9")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	last := rec.statuses[len(rec.statuses)-1]
	if last.status != tasks.SubtaskStatusCompleted {
		t.Fatalf("final status = %v, want %v", last.status, tasks.SubtaskStatusCompleted)
	}
	if len(rec.logs) != 1 || rec.logs[0].Outcome != tasks.OutcomeSuccess {
		t.Fatalf("execution logs = %+v, want one success entry", rec.logs)
	}
	if cur, ok := store.Current(); !ok || cur.ID != "sess-9" {
		t.Fatalf("Current() = %+v, %v, want session sess-9", cur, ok)
	}
}

func TestAbortExecutionRoutesToRecordedSession(t *testing.T) {
	runner := &stubRunner{
		sessionID: "sess-abort",
		started:   make(chan string, 1),
		block:     make(chan struct{}),
		results: map[string]agent.ExecutionResult{
			subtaskID(0): {SessionID: "sess-abort", Outcome: "aborted", Aborted: true},
		},
	}
	rec := &recordingRecorder{}
	orch := New(runner, rec, sessions.NewStore(), nil, time.Minute, "model-a")
	task := testTask(tasks.SubtaskStatusWaiting)

	done := make(chan ExecutionResult, 1)
	go func() {
		res, _ := orch.ExecuteSubtask(context.Background(), task, subtaskID(0), "")
		done <- res
	}()
	<-runner.started

	if err := orch.AbortExecution(context.Background(), task.WorkingDirectory); err != nil {
		t.Fatalf("AbortExecution() error = %v, want nil", err)
	}
	if got := runner.aborts; len(got) != 1 || got[0] != "sess-abort" {
		t.Fatalf("aborted sessions = %v, want [sess-abort]", got)
	}
	if orch.IsExecuting(task.WorkingDirectory) {
		t.Fatal("IsExecuting() = true after successful abort, want false")
	}

	close(runner.block)
	res := <-done
	if res.Outcome != tasks.OutcomeAborted || !res.Aborted {
		t.Fatalf("result = %+v, want aborted outcome", res)
	}
}

func TestAbortExecutionWithoutActiveRunIsNoOp(t *testing.T) {
	runner := &stubRunner{}
	orch := New(runner, &recordingRecorder{}, sessions.NewStore(), nil, time.Minute, "model-a")

	if err := orch.AbortExecution(context.Background(), "/home/dev/project"); err != nil {
		t.Fatalf("AbortExecution() error = %v, want nil", err)
	}
	if len(runner.aborts) != 0 {
		t.Fatalf("aborted sessions = %v, want none", runner.aborts)
	}
}

func TestAbortExecutionBeforeSessionIDIsNoOp(t *testing.T) {
	// No sessionID on the stub: OnSession never fires, so the live state
	// has nothing to abort yet.
	runner := &stubRunner{
		started: make(chan string, 1),
		block:   make(chan struct{}),
	}
	orch := New(runner, &recordingRecorder{}, sessions.NewStore(), nil, time.Minute, "model-a")
	task := testTask(tasks.SubtaskStatusWaiting)

	done := make(chan struct{})
	go func() {
		_, _ = orch.ExecuteSubtask(context.Background(), task, subtaskID(0), "")
		close(done)
	}()
	<-runner.started

	if err := orch.AbortExecution(context.Background(), task.WorkingDirectory); err != nil {
		t.Fatalf("AbortExecution() error = %v, want nil", err)
	}
	if len(runner.aborts) != 0 {
		t.Fatalf("aborted sessions = %v, want none", runner.aborts)
	}
	if !orch.IsExecuting(task.WorkingDirectory) {
		t.Fatal("IsExecuting() = false, want the run still tracked")
	}

	close(runner.block)
	<-done
}

func TestAbortExecutionKeepsStateOnRuntimeFailure(t *testing.T) {
	abortErr := errors.New("runtime refused abort")
	runner := &stubRunner{
		sessionID: "sess-1",
		started:   make(chan string, 1),
		block:     make(chan struct{}),
		abortErr:  abortErr,
	}
	orch := New(runner, &recordingRecorder{}, sessions.NewStore(), nil, time.Minute, "model-a")
	task := testTask(tasks.SubtaskStatusWaiting)

	done := make(chan struct{})
	go func() {
		_, _ = orch.ExecuteSubtask(context.Background(), task, subtaskID(0), "")
		close(done)
	}()
	<-runner.started

	if err := orch.AbortExecution(context.Background(), task.WorkingDirectory); !errors.Is(err, abortErr) {
		t.Fatalf("AbortExecution() error = %v, want %v", err, abortErr)
	}
	if !orch.IsExecuting(task.WorkingDirectory) {
		t.Fatal("IsExecuting() = false after failed abort, want the run still tracked")
	}

	close(runner.block)
	<-done
}

func TestExecuteSubtaskRejectsMissingWorkingDirectory(t *testing.T) {
	orch := New(&stubRunner{}, &recordingRecorder{}, sessions.NewStore(), nil, time.Minute, "model-a")
	task := testTask(tasks.SubtaskStatusWaiting)
	task.WorkingDirectory = "  "

	if _, err := orch.ExecuteSubtask(context.Background(), task, subtaskID(0), ""); !errors.Is(err, ErrNoWorkingDirectory) {
		t.Fatalf("ExecuteSubtask() error = %v, want %v", err, ErrNoWorkingDirectory)
	}
}
