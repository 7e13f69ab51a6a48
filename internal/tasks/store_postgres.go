package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			status TEXT NOT NULL,
			working_directory TEXT NOT NULL,
			folder_id TEXT NOT NULL DEFAULT '',
			tag_ids TEXT[] NOT NULL DEFAULT '{}',
			ord INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_ord ON tasks (ord);`,
		`CREATE TABLE IF NOT EXISTS subtasks (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			text TEXT NOT NULL,
			status TEXT NOT NULL,
			ord INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_task_ord ON subtasks (task_id, ord);`,
		`CREATE TABLE IF NOT EXISTS subtask_steps (
			id TEXT PRIMARY KEY,
			subtask_id TEXT NOT NULL REFERENCES subtasks(id) ON DELETE CASCADE,
			text TEXT NOT NULL,
			done BOOLEAN NOT NULL DEFAULT FALSE,
			ord INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			subtask_id TEXT NOT NULL REFERENCES subtasks(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_subtask ON execution_logs (subtask_id, started_at);`,
		`CREATE TABLE IF NOT EXISTS tags (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			color TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS folders (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			ord INTEGER NOT NULL DEFAULT 0
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, task Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tagIDs := task.TagIDs
	if tagIDs == nil {
		tagIDs = []string{}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO tasks (id, text, status, working_directory, folder_id, tag_ids, ord, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET
			text=EXCLUDED.text,
			status=EXCLUDED.status,
			working_directory=EXCLUDED.working_directory,
			folder_id=EXCLUDED.folder_id,
			tag_ids=EXCLUDED.tag_ids,
			ord=EXCLUDED.ord,
			updated_at=EXCLUDED.updated_at`,
		task.ID, task.Text, string(task.Status), task.WorkingDirectory, task.FolderID,
		tagIDs, task.Order, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}

	// Child rows are replaced wholesale; execution logs are re-inserted from
	// the in-memory list, which only ever grows.
	if _, err := tx.Exec(ctx, `DELETE FROM subtasks WHERE task_id = $1`, task.ID); err != nil {
		return fmt.Errorf("clear subtasks: %w", err)
	}
	for _, st := range task.Subtasks {
		_, err := tx.Exec(ctx,
			`INSERT INTO subtasks (id, task_id, text, status, ord) VALUES ($1,$2,$3,$4,$5)`,
			st.ID, task.ID, st.Text, string(st.Status), st.Order,
		)
		if err != nil {
			return fmt.Errorf("insert subtask: %w", err)
		}
		for _, step := range st.Steps {
			_, err := tx.Exec(ctx,
				`INSERT INTO subtask_steps (id, subtask_id, text, done, ord) VALUES ($1,$2,$3,$4,$5)`,
				step.ID, st.ID, step.Text, step.Done, step.Order,
			)
			if err != nil {
				return fmt.Errorf("insert step: %w", err)
			}
		}
		for _, logEntry := range st.ExecutionLogs {
			_, err := tx.Exec(ctx,
				`INSERT INTO execution_logs (id, subtask_id, session_id, model_id, started_at, completed_at, duration_ms, outcome, summary, error_message)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
				logEntry.ID, st.ID, logEntry.SessionID, logEntry.ModelID,
				logEntry.StartedAt, logEntry.CompletedAt, logEntry.Duration.Milliseconds(),
				string(logEntry.Outcome), logEntry.Summary, logEntry.ErrorMessage,
			)
			if err != nil {
				return fmt.Errorf("insert execution log: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit task save: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, text, status, working_directory, folder_id, tag_ids, ord, created_at, updated_at
		 FROM tasks ORDER BY ord, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	byID := map[string]int{}
	for rows.Next() {
		var t Task
		var status string
		if err := rows.Scan(&t.ID, &t.Text, &status, &t.WorkingDirectory, &t.FolderID, &t.TagIDs, &t.Order, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = TaskStatus(status)
		byID[t.ID] = len(out)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}

	if err := s.attachSubtasks(ctx, out, byID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) attachSubtasks(ctx context.Context, out []Task, byID map[string]int) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, text, status, ord FROM subtasks ORDER BY task_id, ord`)
	if err != nil {
		return fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	subIndex := map[string][2]int{}
	for rows.Next() {
		var st Subtask
		var status string
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Text, &status, &st.Order); err != nil {
			return fmt.Errorf("scan subtask: %w", err)
		}
		st.Status = SubtaskStatus(status)
		i, ok := byID[st.TaskID]
		if !ok {
			continue
		}
		out[i].Subtasks = append(out[i].Subtasks, st)
		subIndex[st.ID] = [2]int{i, len(out[i].Subtasks) - 1}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate subtasks: %w", err)
	}

	stepRows, err := s.pool.Query(ctx,
		`SELECT id, subtask_id, text, done, ord FROM subtask_steps ORDER BY subtask_id, ord`)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	defer stepRows.Close()
	for stepRows.Next() {
		var step Step
		var subtaskID string
		if err := stepRows.Scan(&step.ID, &subtaskID, &step.Text, &step.Done, &step.Order); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		if loc, ok := subIndex[subtaskID]; ok {
			st := &out[loc[0]].Subtasks[loc[1]]
			st.Steps = append(st.Steps, step)
		}
	}
	if err := stepRows.Err(); err != nil {
		return fmt.Errorf("iterate steps: %w", err)
	}

	logRows, err := s.pool.Query(ctx,
		`SELECT id, subtask_id, session_id, model_id, started_at, completed_at, duration_ms, outcome, summary, error_message
		 FROM execution_logs ORDER BY subtask_id, started_at`)
	if err != nil {
		return fmt.Errorf("list execution logs: %w", err)
	}
	defer logRows.Close()
	for logRows.Next() {
		var entry ExecutionLog
		var subtaskID, outcome string
		var durationMS int64
		if err := logRows.Scan(&entry.ID, &subtaskID, &entry.SessionID, &entry.ModelID,
			&entry.StartedAt, &entry.CompletedAt, &durationMS, &outcome, &entry.Summary, &entry.ErrorMessage); err != nil {
			return fmt.Errorf("scan execution log: %w", err)
		}
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		entry.Outcome = Outcome(outcome)
		if loc, ok := subIndex[subtaskID]; ok {
			st := &out[loc[0]].Subtasks[loc[1]]
			st.ExecutionLogs = append(st.ExecutionLogs, entry)
		}
	}
	if err := logRows.Err(); err != nil {
		return fmt.Errorf("iterate execution logs: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTag(ctx context.Context, tag Tag) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tags (id, name, color) VALUES ($1,$2,$3)
		 ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, color=EXCLUDED.color`,
		tag.ID, tag.Name, tag.Color,
	)
	if err != nil {
		return fmt.Errorf("upsert tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTag(ctx context.Context, tagID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tags WHERE id = $1`, tagID)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) ListTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, color FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Color); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveFolder(ctx context.Context, folder Folder) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO folders (id, name, ord) VALUES ($1,$2,$3)
		 ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, ord=EXCLUDED.ord`,
		folder.ID, folder.Name, folder.Order,
	)
	if err != nil {
		return fmt.Errorf("upsert folder: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFolder(ctx context.Context, folderID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM folders WHERE id = $1`, folderID)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) ListFolders(ctx context.Context) ([]Folder, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, ord FROM folders ORDER BY ord, name`)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	var out []Folder
	for rows.Next() {
		var f Folder
		if err := rows.Scan(&f.ID, &f.Name, &f.Order); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
