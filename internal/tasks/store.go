package tasks

import (
	"context"
	"errors"
)

var ErrStoreNotFound = errors.New("entity not found in store")

// Store is the persistence surface behind the optimistic mutation layer.
// SaveTask upserts the task together with its subtasks, steps and logs.
type Store interface {
	SaveTask(ctx context.Context, task Task) error
	DeleteTask(ctx context.Context, taskID string) error
	ListTasks(ctx context.Context) ([]Task, error)

	SaveTag(ctx context.Context, tag Tag) error
	DeleteTag(ctx context.Context, tagID string) error
	ListTags(ctx context.Context) ([]Tag, error)

	SaveFolder(ctx context.Context, folder Folder) error
	DeleteFolder(ctx context.Context, folderID string) error
	ListFolders(ctx context.Context) ([]Folder, error)

	Close() error
}
