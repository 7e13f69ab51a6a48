package sessions

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	StatusUnknown   Status = "unknown"
)

var ErrNotFound = errors.New("session not found")

type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Session struct {
	ID        string    `json:"id"`
	Directory string    `json:"directory,omitempty"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Messages  []Message `json:"messages"`
}

// Store is the authoritative local map of session aggregates plus the
// "current session" pointer. Status and messages are locally owned: remote
// upserts merge identity fields but never overwrite them.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	currentID string
	onChange  func()
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// SetChangeHook installs a hook invoked after every applied mutation.
func (s *Store) SetChangeHook(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) notifyLocked() func() {
	return s.onChange
}

func clone(in *Session) Session {
	out := *in
	if in.Messages != nil {
		out.Messages = append([]Message(nil), in.Messages...)
	}
	return out
}

// Upsert creates or merges a session record. For an existing record the
// incoming identity fields win but the locally maintained status and message
// list are preserved.
func (s *Store) Upsert(id, directory string, startedAt time.Time) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}

	s.mu.Lock()
	existing, ok := s.sessions[id]
	if ok {
		if directory != "" {
			existing.Directory = directory
		}
		if !startedAt.IsZero() {
			existing.StartedAt = startedAt
		}
	} else {
		s.sessions[id] = &Session{
			ID:        id,
			Directory: directory,
			Status:    StatusUnknown,
			StartedAt: startedAt,
		}
	}
	hook := s.notifyLocked()
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// Remove deletes a session; the current pointer is cleared when it referred
// to the removed session.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, id)
	if s.currentID == id {
		s.currentID = ""
	}
	hook := s.notifyLocked()
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (s *Store) SetStatus(id string, status Status) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.Status = status
	hook := s.notifyLocked()
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// MapRemoteStatus maps the runtime's status vocabulary onto the local one.
func MapRemoteStatus(remote string) Status {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case "busy":
		return StatusRunning
	case "retry":
		return StatusQueued
	default:
		return StatusCompleted
	}
}

// UpsertMessage creates or updates a message by id. Already-accumulated
// content is never clobbered by an empty incoming body.
func (s *Store) UpsertMessage(sessionID string, msg Message) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || strings.TrimSpace(msg.ID) == "" {
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, Status: StatusUnknown}
		s.sessions[sessionID] = sess
	}
	found := false
	for i := range sess.Messages {
		if sess.Messages[i].ID != msg.ID {
			continue
		}
		if msg.Role != "" {
			sess.Messages[i].Role = msg.Role
		}
		if !msg.CreatedAt.IsZero() {
			sess.Messages[i].CreatedAt = msg.CreatedAt
		}
		if sess.Messages[i].Content == "" && msg.Content != "" {
			sess.Messages[i].Content = msg.Content
		}
		found = true
		break
	}
	if !found {
		sess.Messages = append(sess.Messages, msg)
	}
	hook := s.notifyLocked()
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// AppendDelta appends a streaming token fragment to a message's content,
// creating the message if it does not exist yet.
func (s *Store) AppendDelta(sessionID, messageID, delta string) {
	if delta == "" {
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, Status: StatusUnknown}
		s.sessions[sessionID] = sess
	}
	msg := findOrAddMessage(sess, messageID)
	msg.Content += delta
	hook := s.notifyLocked()
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// MergeText applies a full-text update: re-deliveries already contained in
// the current content are dropped, otherwise the text is appended after a
// blank line (or set directly when the message is still empty).
func (s *Store) MergeText(sessionID, messageID, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		sess = &Session{ID: sessionID, Status: StatusUnknown}
		s.sessions[sessionID] = sess
	}
	msg := findOrAddMessage(sess, messageID)
	switch {
	case strings.Contains(msg.Content, text):
		// idempotent re-delivery
	case msg.Content == "":
		msg.Content = text
	default:
		msg.Content += "\n\n" + text
	}
	hook := s.notifyLocked()
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func findOrAddMessage(sess *Session, messageID string) *Message {
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			return &sess.Messages[i]
		}
	}
	sess.Messages = append(sess.Messages, Message{ID: messageID, CreatedAt: time.Now().UTC()})
	return &sess.Messages[len(sess.Messages)-1]
}

func (s *Store) RemoveMessage(sessionID, messageID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			sess.Messages = append(sess.Messages[:i], sess.Messages[i+1:]...)
			break
		}
	}
	hook := s.notifyLocked()
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (s *Store) SetCurrent(id string) {
	s.mu.Lock()
	s.currentID = id
	s.mu.Unlock()
}

func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentID == "" {
		return Session{}, false
	}
	sess, ok := s.sessions[s.currentID]
	if !ok {
		return Session{}, false
	}
	return clone(sess), true
}

func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return clone(sess), nil
}

// Sessions returns all sessions ordered by start time, newest first.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, clone(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AnyRunning is recomputed from current state on every call so it can never
// go stale relative to the last applied mutation.
func (s *Store) AnyRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Status == StatusRunning || sess.Status == StatusQueued {
			return true
		}
	}
	return false
}
