package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mzanetti/agentrun/internal/agent"
	"github.com/mzanetti/agentrun/internal/sessions"
)

// funcSource adapts a closure into a Source for tests.
type funcSource struct {
	fn func(ctx context.Context, f func(agent.Event)) error
}

func (s *funcSource) StreamEvents(ctx context.Context, _ string, f func(agent.Event)) error {
	return s.fn(ctx, f)
}

func newTestConsumer(source Source, store *sessions.Store) (*Consumer, *[]time.Duration, context.Context, context.CancelFunc) {
	c := NewConsumer(source, store, nil, "", time.Second, 30*time.Second)
	var delays []time.Duration
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return ctx.Err() == nil
	}
	return c, &delays, ctx, cancel
}

func TestRunBackoffSequenceOnConsecutiveFailures(t *testing.T) {
	store := sessions.NewStore()
	calls := 0
	var cancel context.CancelFunc
	source := &funcSource{fn: func(ctx context.Context, f func(agent.Event)) error {
		calls++
		if calls >= 8 {
			cancel()
		}
		return errors.New("connect refused")
	}}

	c, delays, ctx, stop := newTestConsumer(source, store)
	cancel = stop
	c.Run(ctx)

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	if len(*delays) < len(want) {
		t.Fatalf("delays = %v, want at least %v", *delays, want)
	}
	for i, w := range want {
		if (*delays)[i] != w {
			t.Fatalf("delay[%d] = %v, want %v", i, (*delays)[i], w)
		}
	}
}

func TestRunResetsBackoffAfterSuccessfulCycle(t *testing.T) {
	store := sessions.NewStore()
	created := agent.Event{Type: "session.created", Properties: agent.EventProperties{
		Info: &agent.SessionInfo{ID: "s1"},
	}}

	calls := 0
	var cancel context.CancelFunc
	source := &funcSource{fn: func(ctx context.Context, f func(agent.Event)) error {
		calls++
		switch calls {
		case 1, 2:
			// consecutive failures, no events
		case 3:
			f(created)
		default:
			cancel()
		}
		return errors.New("dropped")
	}}

	c, delays, ctx, stop := newTestConsumer(source, store)
	cancel = stop
	c.Run(ctx)

	// failures 1,2 back off 1s then 2s; cycle 3 delivered an event so the
	// following drop restarts at 1s.
	want := []time.Duration{time.Second, 2 * time.Second, time.Second}
	for i, w := range want {
		if (*delays)[i] != w {
			t.Fatalf("delay[%d] = %v, want %v", i, (*delays)[i], w)
		}
	}
}

func TestRunStopsPromptlyOnCancel(t *testing.T) {
	store := sessions.NewStore()
	calls := 0
	var cancel context.CancelFunc
	source := &funcSource{fn: func(ctx context.Context, f func(agent.Event)) error {
		calls++
		cancel()
		return errors.New("dropped")
	}}

	c, delays, ctx, stop := newTestConsumer(source, store)
	cancel = stop
	c.Run(ctx)

	if calls != 1 {
		t.Fatalf("StreamEvents calls = %d, want 1 (no reconnect after cancel)", calls)
	}
	if len(*delays) != 0 {
		t.Fatalf("delays = %v, want none after cancellation", *delays)
	}
}

func TestApplyEventMapping(t *testing.T) {
	store := sessions.NewStore()
	c := NewConsumer(nil, store, nil, "", time.Second, 30*time.Second)

	c.apply(agent.Event{Type: "session.created", Properties: agent.EventProperties{
		Info: &agent.SessionInfo{ID: "s1", Directory: "/repo", StartedAt: 1700000000000},
	}})
	c.apply(agent.Event{Type: "session.status", Properties: agent.EventProperties{
		SessionID: "s1", Status: "busy",
	}})
	c.apply(agent.Event{Type: "message.updated", Properties: agent.EventProperties{
		Message: &agent.MessageInfo{ID: "m1", SessionID: "s1", Role: "assistant"},
	}})
	c.apply(agent.Event{Type: "message.part.updated", Properties: agent.EventProperties{
		SessionID: "s1", MessageID: "m1", Delta: "Hello",
	}})
	c.apply(agent.Event{Type: "message.part.updated", Properties: agent.EventProperties{
		SessionID: "s1", MessageID: "m1", Delta: " world",
	}})

	got, err := store.Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != sessions.StatusRunning {
		t.Fatalf("Status = %q, want %q", got.Status, sessions.StatusRunning)
	}
	if got.Messages[0].Content != "Hello world" {
		t.Fatalf("Content = %q, want %q", got.Messages[0].Content, "Hello world")
	}

	c.apply(agent.Event{Type: "session.idle", Properties: agent.EventProperties{SessionID: "s1"}})
	got, _ = store.Get("s1")
	if got.Status != sessions.StatusCompleted {
		t.Fatalf("Status after idle = %q, want %q", got.Status, sessions.StatusCompleted)
	}

	c.apply(agent.Event{Type: "session.error", Properties: agent.EventProperties{SessionID: "s1"}})
	got, _ = store.Get("s1")
	if got.Status != sessions.StatusFailed {
		t.Fatalf("Status after error = %q, want %q", got.Status, sessions.StatusFailed)
	}

	c.apply(agent.Event{Type: "message.removed", Properties: agent.EventProperties{
		SessionID: "s1", MessageID: "m1",
	}})
	got, _ = store.Get("s1")
	if len(got.Messages) != 0 {
		t.Fatalf("Messages = %+v, want removed", got.Messages)
	}

	c.apply(agent.Event{Type: "session.deleted", Properties: agent.EventProperties{SessionID: "s1"}})
	if _, err := store.Get("s1"); err == nil {
		t.Fatalf("Get() error = nil, want removed session")
	}
}

func TestApplyIgnoresUnknownEventKinds(t *testing.T) {
	store := sessions.NewStore()
	c := NewConsumer(nil, store, nil, "", time.Second, 30*time.Second)

	c.apply(agent.Event{Type: "permission.requested"})

	if got := store.Sessions(); len(got) != 0 {
		t.Fatalf("Sessions() = %+v, want unchanged empty store", got)
	}
}

func TestApplySessionErrorWithoutIDIsNoOp(t *testing.T) {
	store := sessions.NewStore()
	store.Upsert("s1", "", time.Now())
	c := NewConsumer(nil, store, nil, "", time.Second, 30*time.Second)

	c.apply(agent.Event{Type: "session.error"})

	got, _ := store.Get("s1")
	if got.Status != sessions.StatusUnknown {
		t.Fatalf("Status = %q, want untouched %q", got.Status, sessions.StatusUnknown)
	}
}
