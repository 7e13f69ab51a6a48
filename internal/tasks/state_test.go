package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"
)

var errStoreDown = errors.New("store unavailable")

// failingStore wraps a MemoryStore and fails writes on demand.
type failingStore struct {
	*MemoryStore
	failSaves   bool
	failDeletes bool
}

func (f *failingStore) SaveTask(ctx context.Context, task Task) error {
	if f.failSaves {
		return errStoreDown
	}
	return f.MemoryStore.SaveTask(ctx, task)
}

func (f *failingStore) SaveTag(ctx context.Context, tag Tag) error {
	if f.failSaves {
		return errStoreDown
	}
	return f.MemoryStore.SaveTag(ctx, tag)
}

func (f *failingStore) DeleteTask(ctx context.Context, taskID string) error {
	if f.failDeletes {
		return errStoreDown
	}
	return f.MemoryStore.DeleteTask(ctx, taskID)
}

func (f *failingStore) DeleteTag(ctx context.Context, tagID string) error {
	if f.failDeletes {
		return errStoreDown
	}
	return f.MemoryStore.DeleteTag(ctx, tagID)
}

func newTestState(t *testing.T) (*State, *failingStore) {
	t.Helper()
	store := &failingStore{MemoryStore: NewMemoryStore()}
	return NewState(store), store
}

func TestCreateTaskReconcilesTempID(t *testing.T) {
	s, _ := newTestState(t)

	task, err := s.CreateTask(context.Background(), "ship release", "/repo/app", "", nil)
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if IsTempID(task.ID) {
		t.Fatalf("confirmed task id %q still has temp prefix", task.ID)
	}

	got := s.Tasks()
	if len(got) != 1 {
		t.Fatalf("len(Tasks()) = %d, want 1", len(got))
	}
	if got[0].ID != task.ID {
		t.Fatalf("stored id = %q, want confirmed id %q", got[0].ID, task.ID)
	}
}

func TestCreateTaskRollbackRestoresSnapshot(t *testing.T) {
	s, store := newTestState(t)

	existing, err := s.CreateTask(context.Background(), "first", "/repo/a", "", nil)
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}

	var rolledBack string
	s.SetRollbackObserver(func(entity string) { rolledBack = entity })

	store.failSaves = true
	if _, err := s.CreateTask(context.Background(), "second", "/repo/b", "", nil); !errors.Is(err, errStoreDown) {
		t.Fatalf("CreateTask() error = %v, want %v", err, errStoreDown)
	}

	got := s.Tasks()
	if len(got) != 1 {
		t.Fatalf("len(Tasks()) after rollback = %d, want 1", len(got))
	}
	if got[0].ID != existing.ID || got[0].Text != existing.Text || got[0].Order != existing.Order {
		t.Fatalf("surviving task = %+v, want untouched %+v", got[0], existing)
	}
	for _, task := range got {
		if strings.HasPrefix(task.ID, "tmp-") {
			t.Fatalf("optimistic entry %q survived rollback", task.ID)
		}
	}
	if rolledBack != "task" {
		t.Fatalf("rollback observer entity = %q, want %q", rolledBack, "task")
	}
}

func TestReorderTasksRollbackRestoresOrder(t *testing.T) {
	s, store := newTestState(t)

	a, _ := s.CreateTask(context.Background(), "a", "/r", "", nil)
	b, _ := s.CreateTask(context.Background(), "b", "/r", "", nil)
	c, _ := s.CreateTask(context.Background(), "c", "/r", "", nil)

	store.failSaves = true
	err := s.ReorderTasks(context.Background(), []string{c.ID, a.ID, b.ID})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("ReorderTasks() error = %v, want %v", err, errStoreDown)
	}

	got := s.Tasks()
	wantIDs := []string{a.ID, b.ID, c.ID}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Fatalf("task[%d].ID = %q, want %q after rollback", i, got[i].ID, id)
		}
		if got[i].Order != i {
			t.Fatalf("task[%d].Order = %d, want %d after rollback", i, got[i].Order, i)
		}
	}
}

func TestUpdateTaskUnknownIDMutatesNothing(t *testing.T) {
	s, _ := newTestState(t)
	existing, _ := s.CreateTask(context.Background(), "only", "/r", "", nil)

	text := "changed"
	if _, err := s.UpdateTask(context.Background(), "missing", TaskPatch{Text: &text}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("UpdateTask() error = %v, want %v", err, ErrTaskNotFound)
	}

	got := s.Tasks()
	if got[0].Text != existing.Text {
		t.Fatalf("task text = %q, want unchanged %q", got[0].Text, existing.Text)
	}
}

func TestCreateSubtaskReconcilesInPlace(t *testing.T) {
	s, _ := newTestState(t)
	task, _ := s.CreateTask(context.Background(), "parent", "/r", "", nil)

	first, err := s.CreateSubtask(context.Background(), task.ID, "one")
	if err != nil {
		t.Fatalf("CreateSubtask() error = %v", err)
	}
	second, err := s.CreateSubtask(context.Background(), task.ID, "two")
	if err != nil {
		t.Fatalf("CreateSubtask() error = %v", err)
	}

	got, err := s.Task(task.ID)
	if err != nil {
		t.Fatalf("Task() error = %v", err)
	}
	if len(got.Subtasks) != 2 {
		t.Fatalf("len(Subtasks) = %d, want 2", len(got.Subtasks))
	}
	if got.Subtasks[0].ID != first.ID || got.Subtasks[1].ID != second.ID {
		t.Fatalf("subtask ids = %q,%q, want %q,%q", got.Subtasks[0].ID, got.Subtasks[1].ID, first.ID, second.ID)
	}
	if got.Subtasks[0].Order != 0 || got.Subtasks[1].Order != 1 {
		t.Fatalf("subtask orders = %d,%d, want 0,1", got.Subtasks[0].Order, got.Subtasks[1].Order)
	}
	for _, st := range got.Subtasks {
		if IsTempID(st.ID) {
			t.Fatalf("subtask %q kept its temp id", st.ID)
		}
	}
}

func TestDeleteTagRollback(t *testing.T) {
	s, store := newTestState(t)
	tag, err := s.CreateTag(context.Background(), "urgent", "#f00")
	if err != nil {
		t.Fatalf("CreateTag() error = %v", err)
	}

	store.failDeletes = true
	if err := s.DeleteTag(context.Background(), tag.ID); !errors.Is(err, errStoreDown) {
		t.Fatalf("DeleteTag() error = %v, want %v", err, errStoreDown)
	}

	got := s.Tags()
	if len(got) != 1 || got[0].ID != tag.ID {
		t.Fatalf("Tags() after rollback = %+v, want [%+v]", got, tag)
	}
}

func TestAppendExecutionLogIsNotRolledBack(t *testing.T) {
	s, store := newTestState(t)
	task, _ := s.CreateTask(context.Background(), "t", "/r", "", nil)
	st, _ := s.CreateSubtask(context.Background(), task.ID, "s")

	store.failSaves = true
	err := s.AppendExecutionLog(context.Background(), task.ID, st.ID, ExecutionLog{Outcome: OutcomeFailed, ErrorMessage: "boom"})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("AppendExecutionLog() error = %v, want %v", err, errStoreDown)
	}

	got, _ := s.Task(task.ID)
	if len(got.Subtasks[0].ExecutionLogs) != 1 {
		t.Fatalf("len(ExecutionLogs) = %d, want 1 despite store failure", len(got.Subtasks[0].ExecutionLogs))
	}
}

func TestTempIDNamespace(t *testing.T) {
	id := NewTempID()
	if !IsTempID(id) {
		t.Fatalf("IsTempID(%q) = false, want true", id)
	}
	if IsTempID(NewID()) {
		t.Fatalf("IsTempID(NewID()) = true, want false")
	}
}
