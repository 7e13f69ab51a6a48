package agent

import (
	"context"
	"fmt"
)

// MockRunner provides deterministic local results when no gateway is
// available (development and tests).
type MockRunner struct{}

func NewMockRunner() *MockRunner { return &MockRunner{} }

func (m *MockRunner) RunSubtask(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	select {
	case <-ctx.Done():
		return ExecutionResult{}, ctx.Err()
	default:
	}

	sessionID := fmt.Sprintf("mock-session-%s", req.SubtaskID)
	if req.OnSession != nil {
		req.OnSession(sessionID)
	}
	return ExecutionResult{SessionID: sessionID, Outcome: "success"}, nil
}

func (m *MockRunner) AbortSession(ctx context.Context, sessionID string) error {
	return ctx.Err()
}

func (m *MockRunner) Health(context.Context) bool { return true }

func (m *MockRunner) StreamEvents(ctx context.Context, _ string, _ func(Event)) error {
	<-ctx.Done()
	return ctx.Err()
}
