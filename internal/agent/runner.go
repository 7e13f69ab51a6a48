package agent

import (
	"context"
	"strings"
)

// ExecutionRequest is the normalized run request sent to the agent runtime.
type ExecutionRequest struct {
	TaskID           string `json:"taskId"`
	SubtaskID        string `json:"subtaskId"`
	Prompt           string `json:"prompt"`
	WorkingDirectory string `json:"directory"`
	ModelID          string `json:"modelId,omitempty"`

	// OnSession fires as soon as the runtime reports the session id for the
	// run, which can be well before the run completes. It lets an abort
	// issued mid-run route to the right session.
	OnSession func(sessionID string) `json:"-"`
}

// ExecutionResult is the terminal result of one run.
type ExecutionResult struct {
	SessionID    string `json:"sessionId"`
	Outcome      string `json:"outcome"`
	Aborted      bool   `json:"aborted"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Event is one entry of the runtime's session event feed. Properties not
// relevant to a given kind are zero.
type Event struct {
	Type       string          `json:"type"`
	Properties EventProperties `json:"properties"`
}

type EventProperties struct {
	Info      *SessionInfo `json:"info,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Status    string       `json:"status,omitempty"`
	Message   *MessageInfo `json:"message,omitempty"`
	MessageID string       `json:"messageId,omitempty"`
	Delta     string       `json:"delta,omitempty"`
	Text      string       `json:"text,omitempty"`
	Error     string       `json:"error,omitempty"`
}

type SessionInfo struct {
	ID        string `json:"id"`
	Directory string `json:"directory,omitempty"`
	StartedAt int64  `json:"startedAt,omitempty"`
}

type MessageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// Runner bridges the orchestrator with the external agent runtime.
type Runner interface {
	// RunSubtask executes one subtask and blocks until the run finishes.
	RunSubtask(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
	// AbortSession asks the runtime to cancel a running session.
	AbortSession(ctx context.Context, sessionID string) error
	// Health reports whether the runtime is reachable.
	Health(ctx context.Context) bool
	// StreamEvents consumes the runtime's event feed, invoking fn per event,
	// until ctx is cancelled or the connection fails.
	StreamEvents(ctx context.Context, directory string, fn func(Event)) error
}

// Config controls runner construction.
type Config struct {
	Mode       string
	GatewayURL string
	Token      string
}

func NewRunner(cfg Config) (Runner, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "mock" {
		return NewMockRunner(), nil
	}
	return NewGateway(cfg.GatewayURL, cfg.Token)
}
