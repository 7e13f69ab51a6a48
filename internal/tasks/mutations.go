package tasks

import (
	"context"
	"strings"
	"time"
)

// TaskPatch carries the optional fields of a task update.
type TaskPatch struct {
	Text             *string
	Status           *TaskStatus
	WorkingDirectory *string
	FolderID         *string
	TagIDs           []string
}

// SubtaskPatch carries the optional fields of a subtask update.
type SubtaskPatch struct {
	Text   *string
	Status *SubtaskStatus
}

func (s *State) CreateTask(ctx context.Context, text, workingDirectory, folderID string, tagIDs []string) (Task, error) {
	now := time.Now().UTC()
	confirmed := Task{
		ID:               NewID(),
		Text:             strings.TrimSpace(text),
		Status:           TaskStatusTodo,
		WorkingDirectory: strings.TrimSpace(workingDirectory),
		FolderID:         folderID,
		TagIDs:           append([]string(nil), tagIDs...),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	temp := confirmed.Clone()
	temp.ID = NewTempID()

	err := s.mutate(ctx, "task",
		func() error {
			temp.Order = len(s.tasks)
			confirmed.Order = temp.Order
			s.tasks = append(s.tasks, temp.Clone())
			return nil
		},
		func(ctx context.Context) error {
			return s.store.SaveTask(ctx, confirmed)
		},
		func() {
			// Replace the temp-id entry in place with the confirmed entity.
			for i := range s.tasks {
				if s.tasks[i].ID == temp.ID {
					s.tasks[i] = confirmed.Clone()
					return
				}
			}
		},
	)
	if err != nil {
		return Task{}, err
	}
	return confirmed, nil
}

func (s *State) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (Task, error) {
	var updated Task
	err := s.mutate(ctx, "task",
		func() error {
			t, err := s.taskLocked(taskID)
			if err != nil {
				return err
			}
			if patch.Text != nil {
				t.Text = strings.TrimSpace(*patch.Text)
			}
			if patch.Status != nil {
				t.Status = *patch.Status
			}
			if patch.WorkingDirectory != nil {
				t.WorkingDirectory = strings.TrimSpace(*patch.WorkingDirectory)
			}
			if patch.FolderID != nil {
				t.FolderID = *patch.FolderID
			}
			if patch.TagIDs != nil {
				t.TagIDs = append([]string(nil), patch.TagIDs...)
			}
			t.UpdatedAt = time.Now().UTC()
			updated = t.Clone()
			return nil
		},
		func(ctx context.Context) error {
			return s.store.SaveTask(ctx, updated)
		},
		nil,
	)
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

func (s *State) DeleteTask(ctx context.Context, taskID string) error {
	return s.mutate(ctx, "task",
		func() error {
			for i := range s.tasks {
				if s.tasks[i].ID == taskID {
					s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
					return nil
				}
			}
			return ErrTaskNotFound
		},
		func(ctx context.Context) error {
			return s.store.DeleteTask(ctx, taskID)
		},
		nil,
	)
}

// ReorderTasks applies the given id order to the collection. Unknown ids are
// rejected before any state change.
func (s *State) ReorderTasks(ctx context.Context, orderedIDs []string) error {
	var saved []Task
	return s.mutate(ctx, "task",
		func() error {
			if len(orderedIDs) != len(s.tasks) {
				return ErrTaskNotFound
			}
			byID := make(map[string]int, len(s.tasks))
			for i := range s.tasks {
				byID[s.tasks[i].ID] = i
			}
			reordered := make([]Task, 0, len(orderedIDs))
			for pos, id := range orderedIDs {
				i, ok := byID[id]
				if !ok {
					return ErrTaskNotFound
				}
				t := s.tasks[i]
				t.Order = pos
				reordered = append(reordered, t)
			}
			s.tasks = reordered
			saved = cloneTasks(reordered)
			return nil
		},
		func(ctx context.Context) error {
			for _, t := range saved {
				if err := s.store.SaveTask(ctx, t); err != nil {
					return err
				}
			}
			return nil
		},
		nil,
	)
}

func (s *State) CreateSubtask(ctx context.Context, taskID, text string) (Subtask, error) {
	confirmed := Subtask{
		ID:     NewID(),
		TaskID: taskID,
		Text:   strings.TrimSpace(text),
		Status: SubtaskStatusWaiting,
	}
	tempID := NewTempID()

	var saved Task
	err := s.mutate(ctx, "subtask",
		func() error {
			t, err := s.taskLocked(taskID)
			if err != nil {
				return err
			}
			temp := confirmed
			temp.ID = tempID
			temp.Order = len(t.Subtasks)
			confirmed.Order = temp.Order
			t.Subtasks = append(t.Subtasks, temp)
			t.UpdatedAt = time.Now().UTC()
			saved = t.Clone()
			for i := range saved.Subtasks {
				if saved.Subtasks[i].ID == tempID {
					saved.Subtasks[i] = confirmed
				}
			}
			return nil
		},
		func(ctx context.Context) error {
			return s.store.SaveTask(ctx, saved)
		},
		func() {
			t, err := s.taskLocked(taskID)
			if err != nil {
				return
			}
			for i := range t.Subtasks {
				if t.Subtasks[i].ID == tempID {
					t.Subtasks[i] = confirmed
					return
				}
			}
		},
	)
	if err != nil {
		return Subtask{}, err
	}
	return confirmed, nil
}

func (s *State) UpdateSubtask(ctx context.Context, taskID, subtaskID string, patch SubtaskPatch) (Subtask, error) {
	var (
		updated Subtask
		saved   Task
	)
	err := s.mutate(ctx, "subtask",
		func() error {
			t, st, err := s.subtaskLocked(taskID, subtaskID)
			if err != nil {
				return err
			}
			if patch.Text != nil {
				st.Text = strings.TrimSpace(*patch.Text)
			}
			if patch.Status != nil {
				st.Status = *patch.Status
			}
			t.UpdatedAt = time.Now().UTC()
			updated = st.Clone()
			saved = t.Clone()
			return nil
		},
		func(ctx context.Context) error {
			return s.store.SaveTask(ctx, saved)
		},
		nil,
	)
	if err != nil {
		return Subtask{}, err
	}
	return updated, nil
}

func (s *State) DeleteSubtask(ctx context.Context, taskID, subtaskID string) error {
	var saved Task
	return s.mutate(ctx, "subtask",
		func() error {
			t, err := s.taskLocked(taskID)
			if err != nil {
				return err
			}
			for i := range t.Subtasks {
				if t.Subtasks[i].ID == subtaskID {
					t.Subtasks = append(t.Subtasks[:i], t.Subtasks[i+1:]...)
					t.UpdatedAt = time.Now().UTC()
					saved = t.Clone()
					return nil
				}
			}
			return ErrSubtaskNotFound
		},
		func(ctx context.Context) error {
			return s.store.SaveTask(ctx, saved)
		},
		nil,
	)
}

func (s *State) ReorderSubtasks(ctx context.Context, taskID string, orderedIDs []string) error {
	var saved Task
	return s.mutate(ctx, "subtask",
		func() error {
			t, err := s.taskLocked(taskID)
			if err != nil {
				return err
			}
			if len(orderedIDs) != len(t.Subtasks) {
				return ErrSubtaskNotFound
			}
			byID := make(map[string]int, len(t.Subtasks))
			for i := range t.Subtasks {
				byID[t.Subtasks[i].ID] = i
			}
			reordered := make([]Subtask, 0, len(orderedIDs))
			for pos, id := range orderedIDs {
				i, ok := byID[id]
				if !ok {
					return ErrSubtaskNotFound
				}
				st := t.Subtasks[i]
				st.Order = pos
				reordered = append(reordered, st)
			}
			t.Subtasks = reordered
			t.UpdatedAt = time.Now().UTC()
			saved = t.Clone()
			return nil
		},
		func(ctx context.Context) error {
			return s.store.SaveTask(ctx, saved)
		},
		nil,
	)
}

func (s *State) CreateStep(ctx context.Context, taskID, subtaskID, text string) (Step, error) {
	confirmed := Step{ID: NewID(), Text: strings.TrimSpace(text)}
	tempID := NewTempID()

	var saved Task
	err := s.mutate(ctx, "step",
		func() error {
			t, st, err := s.subtaskLocked(taskID, subtaskID)
			if err != nil {
				return err
			}
			temp := confirmed
			temp.ID = tempID
			temp.Order = len(st.Steps)
			confirmed.Order = temp.Order
			st.Steps = append(st.Steps, temp)
			t.UpdatedAt = time.Now().UTC()
			saved = t.Clone()
			for i := range saved.Subtasks {
				for j := range saved.Subtasks[i].Steps {
					if saved.Subtasks[i].Steps[j].ID == tempID {
						saved.Subtasks[i].Steps[j] = confirmed
					}
				}
			}
			return nil
		},
		func(ctx context.Context) error {
			return s.store.SaveTask(ctx, saved)
		},
		func() {
			_, st, err := s.subtaskLocked(taskID, subtaskID)
			if err != nil {
				return
			}
			for i := range st.Steps {
				if st.Steps[i].ID == tempID {
					st.Steps[i] = confirmed
					return
				}
			}
		},
	)
	if err != nil {
		return Step{}, err
	}
	return confirmed, nil
}

func (s *State) UpdateStep(ctx context.Context, taskID, subtaskID, stepID string, text *string, done *bool) (Step, error) {
	var (
		updated Step
		saved   Task
	)
	err := s.mutate(ctx, "step",
		func() error {
			t, st, err := s.subtaskLocked(taskID, subtaskID)
			if err != nil {
				return err
			}
			for i := range st.Steps {
				if st.Steps[i].ID != stepID {
					continue
				}
				if text != nil {
					st.Steps[i].Text = strings.TrimSpace(*text)
				}
				if done != nil {
					st.Steps[i].Done = *done
				}
				t.UpdatedAt = time.Now().UTC()
				updated = st.Steps[i]
				saved = t.Clone()
				return nil
			}
			return ErrStepNotFound
		},
		func(ctx context.Context) error {
			return s.store.SaveTask(ctx, saved)
		},
		nil,
	)
	if err != nil {
		return Step{}, err
	}
	return updated, nil
}

func (s *State) DeleteStep(ctx context.Context, taskID, subtaskID, stepID string) error {
	var saved Task
	return s.mutate(ctx, "step",
		func() error {
			t, st, err := s.subtaskLocked(taskID, subtaskID)
			if err != nil {
				return err
			}
			for i := range st.Steps {
				if st.Steps[i].ID == stepID {
					st.Steps = append(st.Steps[:i], st.Steps[i+1:]...)
					t.UpdatedAt = time.Now().UTC()
					saved = t.Clone()
					return nil
				}
			}
			return ErrStepNotFound
		},
		func(ctx context.Context) error {
			return s.store.SaveTask(ctx, saved)
		},
		nil,
	)
}

func (s *State) CreateTag(ctx context.Context, name, color string) (Tag, error) {
	confirmed := Tag{ID: NewID(), Name: strings.TrimSpace(name), Color: color}
	tempID := NewTempID()

	err := s.mutate(ctx, "tag",
		func() error {
			temp := confirmed
			temp.ID = tempID
			s.tags = append(s.tags, temp)
			return nil
		},
		func(ctx context.Context) error {
			return s.store.SaveTag(ctx, confirmed)
		},
		func() {
			for i := range s.tags {
				if s.tags[i].ID == tempID {
					s.tags[i] = confirmed
					return
				}
			}
		},
	)
	if err != nil {
		return Tag{}, err
	}
	return confirmed, nil
}

func (s *State) UpdateTag(ctx context.Context, tagID string, name, color *string) (Tag, error) {
	var updated Tag
	err := s.mutate(ctx, "tag",
		func() error {
			for i := range s.tags {
				if s.tags[i].ID != tagID {
					continue
				}
				if name != nil {
					s.tags[i].Name = strings.TrimSpace(*name)
				}
				if color != nil {
					s.tags[i].Color = *color
				}
				updated = s.tags[i]
				return nil
			}
			return ErrTagNotFound
		},
		func(ctx context.Context) error {
			return s.store.SaveTag(ctx, updated)
		},
		nil,
	)
	if err != nil {
		return Tag{}, err
	}
	return updated, nil
}

func (s *State) DeleteTag(ctx context.Context, tagID string) error {
	return s.mutate(ctx, "tag",
		func() error {
			for i := range s.tags {
				if s.tags[i].ID == tagID {
					s.tags = append(s.tags[:i], s.tags[i+1:]...)
					return nil
				}
			}
			return ErrTagNotFound
		},
		func(ctx context.Context) error {
			return s.store.DeleteTag(ctx, tagID)
		},
		nil,
	)
}

func (s *State) CreateFolder(ctx context.Context, name string) (Folder, error) {
	confirmed := Folder{ID: NewID(), Name: strings.TrimSpace(name)}
	tempID := NewTempID()

	err := s.mutate(ctx, "folder",
		func() error {
			temp := confirmed
			temp.ID = tempID
			temp.Order = len(s.folders)
			confirmed.Order = temp.Order
			s.folders = append(s.folders, temp)
			return nil
		},
		func(ctx context.Context) error {
			return s.store.SaveFolder(ctx, confirmed)
		},
		func() {
			for i := range s.folders {
				if s.folders[i].ID == tempID {
					s.folders[i] = confirmed
					return
				}
			}
		},
	)
	if err != nil {
		return Folder{}, err
	}
	return confirmed, nil
}

func (s *State) UpdateFolder(ctx context.Context, folderID string, name *string) (Folder, error) {
	var updated Folder
	err := s.mutate(ctx, "folder",
		func() error {
			for i := range s.folders {
				if s.folders[i].ID != folderID {
					continue
				}
				if name != nil {
					s.folders[i].Name = strings.TrimSpace(*name)
				}
				updated = s.folders[i]
				return nil
			}
			return ErrFolderNotFound
		},
		func(ctx context.Context) error {
			return s.store.SaveFolder(ctx, updated)
		},
		nil,
	)
	if err != nil {
		return Folder{}, err
	}
	return updated, nil
}

func (s *State) DeleteFolder(ctx context.Context, folderID string) error {
	return s.mutate(ctx, "folder",
		func() error {
			for i := range s.folders {
				if s.folders[i].ID == folderID {
					s.folders = append(s.folders[:i], s.folders[i+1:]...)
					return nil
				}
			}
			return ErrFolderNotFound
		},
		func(ctx context.Context) error {
			return s.store.DeleteFolder(ctx, folderID)
		},
		nil,
	)
}

func (s *State) ReorderFolders(ctx context.Context, orderedIDs []string) error {
	var saved []Folder
	return s.mutate(ctx, "folder",
		func() error {
			if len(orderedIDs) != len(s.folders) {
				return ErrFolderNotFound
			}
			byID := make(map[string]int, len(s.folders))
			for i := range s.folders {
				byID[s.folders[i].ID] = i
			}
			reordered := make([]Folder, 0, len(orderedIDs))
			for pos, id := range orderedIDs {
				i, ok := byID[id]
				if !ok {
					return ErrFolderNotFound
				}
				f := s.folders[i]
				f.Order = pos
				reordered = append(reordered, f)
			}
			s.folders = reordered
			saved = append([]Folder(nil), reordered...)
			return nil
		},
		func(ctx context.Context) error {
			for _, f := range saved {
				if err := s.store.SaveFolder(ctx, f); err != nil {
					return err
				}
			}
			return nil
		},
		nil,
	)
}
