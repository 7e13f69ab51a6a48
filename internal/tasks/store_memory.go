package tasks

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the development and test fallback used when no
// DATABASE_URL is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]Task
	tags    map[string]Tag
	folders map[string]Folder
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]Task),
		tags:    make(map[string]Tag),
		folders: make(map[string]Folder),
	}
}

func (s *MemoryStore) SaveTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return ErrStoreNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

func (s *MemoryStore) ListTasks(_ context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveTag(_ context.Context, tag Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[tag.ID] = tag
	return nil
}

func (s *MemoryStore) DeleteTag(_ context.Context, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[tagID]; !ok {
		return ErrStoreNotFound
	}
	delete(s.tags, tagID)
	return nil
}

func (s *MemoryStore) ListTags(_ context.Context) ([]Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tag, 0, len(s.tags))
	for _, t := range s.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SaveFolder(_ context.Context, folder Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[folder.ID] = folder
	return nil
}

func (s *MemoryStore) DeleteFolder(_ context.Context, folderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[folderID]; !ok {
		return ErrStoreNotFound
	}
	delete(s.folders, folderID)
	return nil
}

func (s *MemoryStore) ListFolders(_ context.Context) ([]Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Folder, 0, len(s.folders))
	for _, f := range s.folders {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
