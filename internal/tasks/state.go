package tasks

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrSubtaskNotFound = errors.New("subtask not found")
	ErrStepNotFound    = errors.New("step not found")
	ErrTagNotFound     = errors.New("tag not found")
	ErrFolderNotFound  = errors.New("folder not found")
)

// State is the authoritative local copy of the task, tag and folder
// collections. Every remote-backed mutation goes through the optimistic
// pattern in mutations.go: snapshot, apply locally, call the store, then
// reconcile or restore the snapshot.
//
// Two in-flight mutations on the same entity are not serialized against each
// other; a later rollback can clobber an earlier optimistic write.
type State struct {
	mu    sync.RWMutex
	store Store

	tasks   []Task
	tags    []Tag
	folders []Folder

	onRollback func(entity string)
}

func NewState(store Store) *State {
	return &State{store: store}
}

// SetRollbackObserver installs a hook invoked after every snapshot restore.
func (s *State) SetRollbackObserver(fn func(entity string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRollback = fn
}

// Load replaces the local collections with the store's contents.
func (s *State) Load(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	tags, err := s.store.ListTags(ctx)
	if err != nil {
		return err
	}
	folders, err := s.store.ListFolders(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = tasks
	s.tags = tags
	s.folders = folders
	return nil
}

type snapshot struct {
	tasks   []Task
	tags    []Tag
	folders []Folder
}

func (s *State) snapshotLocked() snapshot {
	return snapshot{
		tasks:   cloneTasks(s.tasks),
		tags:    append([]Tag(nil), s.tags...),
		folders: append([]Folder(nil), s.folders...),
	}
}

func (s *State) restoreLocked(snap snapshot) {
	s.tasks = snap.tasks
	s.tags = snap.tags
	s.folders = snap.folders
}

// mutate is the optimistic mutation pattern shared by every remote-backed
// create/update/delete/reorder. apply runs under the lock and must validate
// before touching state. call runs outside the lock; on failure the exact
// pre-mutation snapshot is restored. reconcile runs under the lock after a
// successful call (temp-id replacement for creates).
func (s *State) mutate(ctx context.Context, entity string, apply func() error, call func(context.Context) error, reconcile func()) error {
	s.mu.Lock()
	snap := s.snapshotLocked()
	if err := apply(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := call(ctx); err != nil {
		s.mu.Lock()
		s.restoreLocked(snap)
		hook := s.onRollback
		s.mu.Unlock()
		if hook != nil {
			hook(entity)
		}
		return err
	}

	if reconcile != nil {
		s.mu.Lock()
		reconcile()
		s.mu.Unlock()
	}
	return nil
}

func cloneTasks(in []Task) []Task {
	if in == nil {
		return nil
	}
	out := make([]Task, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}

// Tasks returns a deep copy of the task collection.
func (s *State) Tasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTasks(s.tasks)
}

func (s *State) Task(taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.ID == taskID {
			return t.Clone(), nil
		}
	}
	return Task{}, ErrTaskNotFound
}

func (s *State) Tags() []Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Tag(nil), s.tags...)
}

func (s *State) Folders() []Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Folder(nil), s.folders...)
}

func (s *State) taskLocked(taskID string) (*Task, error) {
	for i := range s.tasks {
		if s.tasks[i].ID == taskID {
			return &s.tasks[i], nil
		}
	}
	return nil, ErrTaskNotFound
}

func (s *State) subtaskLocked(taskID, subtaskID string) (*Task, *Subtask, error) {
	t, err := s.taskLocked(taskID)
	if err != nil {
		return nil, nil, err
	}
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == subtaskID {
			return t, &t.Subtasks[i], nil
		}
	}
	return nil, nil, ErrSubtaskNotFound
}

// SetSubtaskStatus records an execution-driven status change. Unlike the
// optimistic mutations this is not rolled back on a store failure: the
// execution already happened, the local record stays and the error is
// reported to the caller.
func (s *State) SetSubtaskStatus(ctx context.Context, taskID, subtaskID string, status SubtaskStatus) error {
	s.mu.Lock()
	t, st, err := s.subtaskLocked(taskID, subtaskID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	st.Status = status
	t.UpdatedAt = time.Now().UTC()
	saved := t.Clone()
	s.mu.Unlock()

	return s.store.SaveTask(ctx, saved)
}

// AppendExecutionLog appends an immutable log entry to a subtask.
func (s *State) AppendExecutionLog(ctx context.Context, taskID, subtaskID string, entry ExecutionLog) error {
	s.mu.Lock()
	t, st, err := s.subtaskLocked(taskID, subtaskID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	st.ExecutionLogs = append(st.ExecutionLogs, entry)
	t.UpdatedAt = time.Now().UTC()
	saved := t.Clone()
	s.mu.Unlock()

	return s.store.SaveTask(ctx, saved)
}
