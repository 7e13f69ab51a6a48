package tasks

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

type SubtaskStatus string

const (
	SubtaskStatusWaiting    SubtaskStatus = "waiting"
	SubtaskStatusInProgress SubtaskStatus = "in_progress"
	SubtaskStatusCompleted  SubtaskStatus = "completed"
	SubtaskStatusFailed     SubtaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusCompleted:
		return true
	}
	return false
}

func (s SubtaskStatus) Valid() bool {
	switch s {
	case SubtaskStatusWaiting, SubtaskStatusInProgress, SubtaskStatusCompleted, SubtaskStatusFailed:
		return true
	}
	return false
}

// Outcome is the terminal result of one subtask execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
	OutcomeAborted Outcome = "aborted"
)

type Task struct {
	ID               string     `json:"id"`
	Text             string     `json:"text"`
	Status           TaskStatus `json:"status"`
	WorkingDirectory string     `json:"working_directory"`
	FolderID         string     `json:"folder_id,omitempty"`
	TagIDs           []string   `json:"tag_ids,omitempty"`
	Order            int        `json:"order"`
	Subtasks         []Subtask  `json:"subtasks"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type Subtask struct {
	ID            string         `json:"id"`
	TaskID        string         `json:"task_id"`
	Text          string         `json:"text"`
	Status        SubtaskStatus  `json:"status"`
	Order         int            `json:"order"`
	Steps         []Step         `json:"steps,omitempty"`
	ExecutionLogs []ExecutionLog `json:"execution_logs,omitempty"`
}

type Step struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Done  bool   `json:"done"`
	Order int    `json:"order"`
}

// ExecutionLog is an append-only record of one execution. Entries are never
// mutated after they are appended to a subtask.
type ExecutionLog struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id,omitempty"`
	ModelID      string        `json:"model_id,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
	Duration     time.Duration `json:"duration"`
	Outcome      Outcome       `json:"outcome"`
	Summary      string        `json:"summary,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

type Tag struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type Folder struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// tempIDPrefix namespaces client-generated ids so they can never collide
// with server-issued uuids.
const tempIDPrefix = "tmp-"

func NewID() string { return uuid.NewString() }

func NewTempID() string { return tempIDPrefix + uuid.NewString() }

func IsTempID(id string) bool { return strings.HasPrefix(id, tempIDPrefix) }

func (t Task) Clone() Task {
	out := t
	if t.TagIDs != nil {
		out.TagIDs = append([]string(nil), t.TagIDs...)
	}
	if t.Subtasks != nil {
		out.Subtasks = make([]Subtask, len(t.Subtasks))
		for i, st := range t.Subtasks {
			out.Subtasks[i] = st.Clone()
		}
	}
	return out
}

func (s Subtask) Clone() Subtask {
	out := s
	if s.Steps != nil {
		out.Steps = append([]Step(nil), s.Steps...)
	}
	if s.ExecutionLogs != nil {
		out.ExecutionLogs = append([]ExecutionLog(nil), s.ExecutionLogs...)
	}
	return out
}

// Eligible reports whether a subtask should run in an unattended loop pass.
func (s Subtask) Eligible() bool {
	return s.Status == SubtaskStatusWaiting || s.Status == SubtaskStatusFailed
}

func (t Task) Subtask(subtaskID string) (Subtask, bool) {
	for _, st := range t.Subtasks {
		if st.ID == subtaskID {
			return st.Clone(), true
		}
	}
	return Subtask{}, false
}
