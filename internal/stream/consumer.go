package stream

import (
	"context"
	"time"

	"github.com/mzanetti/agentrun/internal/agent"
	"github.com/mzanetti/agentrun/internal/observability"
	"github.com/mzanetti/agentrun/internal/reliability"
	"github.com/mzanetti/agentrun/internal/sessions"
)

// Source is the slice of the agent runtime the consumer needs.
type Source interface {
	StreamEvents(ctx context.Context, directory string, fn func(agent.Event)) error
}

// Consumer owns the long-lived subscription to the runtime's session event
// feed. Connection failures are recovered internally with capped exponential
// backoff and are never surfaced to callers; cancellation is cooperative via
// the context passed to Run.
type Consumer struct {
	source    Source
	store     *sessions.Store
	metrics   *observability.Metrics
	directory string

	initialDelay time.Duration
	maxDelay     time.Duration

	// onEvent, when set, observes every event after it is merged.
	onEvent func(agent.Event)

	// sleep is replaceable in tests; it reports false when ctx was
	// cancelled during the wait.
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewConsumer(source Source, store *sessions.Store, metrics *observability.Metrics, directory string, initialDelay, maxDelay time.Duration) *Consumer {
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	if maxDelay < initialDelay {
		maxDelay = 30 * time.Second
	}
	return &Consumer{
		source:       source,
		store:        store,
		metrics:      metrics,
		directory:    directory,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		sleep:        sleepCtx,
	}
}

// SetEventObserver installs an external callback invoked per merged event.
func (c *Consumer) SetEventObserver(fn func(agent.Event)) {
	c.onEvent = fn
}

// Start runs the consumer in the background and returns a cancel handle.
func (c *Consumer) Start(ctx context.Context) (cancel func()) {
	runCtx, stop := context.WithCancel(ctx)
	go c.Run(runCtx)
	return stop
}

// Run consumes the feed until ctx is cancelled, reconnecting on any failure.
func (c *Consumer) Run(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		delivered := false
		_ = c.source.StreamEvents(ctx, c.directory, func(ev agent.Event) {
			delivered = true
			c.apply(ev)
			if c.onEvent != nil {
				c.onEvent(ev)
			}
		})
		if ctx.Err() != nil {
			return
		}

		// A cycle that delivered events is a success; the next drop starts
		// the backoff ladder from the bottom again.
		if delivered {
			failures = 0
		}
		failures++

		if c.metrics != nil {
			c.metrics.StreamReconnects.Inc()
		}
		if !c.sleep(ctx, reliability.ExponentialBackoff(failures-1, c.initialDelay, c.maxDelay)) {
			return
		}
	}
}

func (c *Consumer) apply(ev agent.Event) {
	if c.metrics != nil {
		c.metrics.ObserveStreamEvent(ev.Type)
	}
	props := ev.Properties

	switch ev.Type {
	case "session.created", "session.updated":
		id, dir, startedAt := props.SessionID, "", time.Time{}
		if props.Info != nil {
			id = props.Info.ID
			dir = props.Info.Directory
			if props.Info.StartedAt > 0 {
				startedAt = time.UnixMilli(props.Info.StartedAt)
			}
		}
		c.store.Upsert(id, dir, startedAt)
	case "session.deleted":
		id := props.SessionID
		if props.Info != nil && props.Info.ID != "" {
			id = props.Info.ID
		}
		c.store.Remove(id)
	case "session.status":
		c.store.SetStatus(props.SessionID, sessions.MapRemoteStatus(props.Status))
	case "session.idle":
		c.store.SetStatus(props.SessionID, sessions.StatusCompleted)
	case "session.error":
		if props.SessionID != "" {
			c.store.SetStatus(props.SessionID, sessions.StatusFailed)
		}
	case "message.updated":
		if props.Message == nil {
			return
		}
		msg := sessions.Message{
			ID:      props.Message.ID,
			Role:    props.Message.Role,
			Content: props.Message.Content,
		}
		if props.Message.CreatedAt > 0 {
			msg.CreatedAt = time.UnixMilli(props.Message.CreatedAt)
		}
		c.store.UpsertMessage(props.Message.SessionID, msg)
	case "message.part.updated":
		if props.Delta != "" {
			c.store.AppendDelta(props.SessionID, props.MessageID, props.Delta)
		} else {
			c.store.MergeText(props.SessionID, props.MessageID, props.Text)
		}
	case "message.removed":
		c.store.RemoveMessage(props.SessionID, props.MessageID)
	default:
		// Unknown kinds are ignored for forward compatibility.
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
