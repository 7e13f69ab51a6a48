package sessions

import (
	"testing"
	"time"
)

func TestUpsertPreservesLocalStatusAndMessages(t *testing.T) {
	s := NewStore()
	s.Upsert("s1", "/repo", time.Unix(100, 0))
	s.SetStatus("s1", StatusRunning)
	s.AppendDelta("s1", "m1", "Hello")

	s.Upsert("s1", "", time.Unix(200, 0))

	got, err := s.Get("s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("Status = %q, want %q preserved across upsert", got.Status, StatusRunning)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "Hello" {
		t.Fatalf("Messages = %+v, want preserved content", got.Messages)
	}
	if !got.StartedAt.Equal(time.Unix(200, 0)) {
		t.Fatalf("StartedAt = %v, want incoming identity field accepted", got.StartedAt)
	}
}

func TestRemoveClearsCurrentPointer(t *testing.T) {
	s := NewStore()
	s.Upsert("s1", "", time.Now())
	s.SetCurrent("s1")

	s.Remove("s1")

	if _, ok := s.Current(); ok {
		t.Fatalf("Current() ok = true, want cleared after removal")
	}
	if _, err := s.Get("s1"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want %v", err, ErrNotFound)
	}
}

func TestMapRemoteStatus(t *testing.T) {
	cases := []struct {
		remote string
		want   Status
	}{
		{"busy", StatusRunning},
		{"retry", StatusQueued},
		{"done", StatusCompleted},
		{"", StatusCompleted},
	}
	for _, tc := range cases {
		if got := MapRemoteStatus(tc.remote); got != tc.want {
			t.Fatalf("MapRemoteStatus(%q) = %q, want %q", tc.remote, got, tc.want)
		}
	}
}

func TestAppendDelta(t *testing.T) {
	s := NewStore()
	s.Upsert("s1", "", time.Now())
	s.AppendDelta("s1", "m1", "Hello")
	s.AppendDelta("s1", "m1", " world")

	got, _ := s.Get("s1")
	if got.Messages[0].Content != "Hello world" {
		t.Fatalf("Content = %q, want %q", got.Messages[0].Content, "Hello world")
	}
}

func TestMergeTextIsIdempotentOnRedelivery(t *testing.T) {
	s := NewStore()
	s.Upsert("s1", "", time.Now())
	s.AppendDelta("s1", "m1", "Hello world")

	s.MergeText("s1", "m1", "Hello")

	got, _ := s.Get("s1")
	if got.Messages[0].Content != "Hello world" {
		t.Fatalf("Content = %q, want unchanged %q", got.Messages[0].Content, "Hello world")
	}
}

func TestMergeTextAppendsWithBlankLine(t *testing.T) {
	s := NewStore()
	s.Upsert("s1", "", time.Now())
	s.MergeText("s1", "m1", "first")
	s.MergeText("s1", "m1", "second")

	got, _ := s.Get("s1")
	if got.Messages[0].Content != "first\n\nsecond" {
		t.Fatalf("Content = %q, want %q", got.Messages[0].Content, "first\n\nsecond")
	}
}

func TestUpsertMessageNeverClobbersContent(t *testing.T) {
	s := NewStore()
	s.Upsert("s1", "", time.Now())
	s.AppendDelta("s1", "m1", "accumulated")

	s.UpsertMessage("s1", Message{ID: "m1", Role: "assistant", CreatedAt: time.Unix(5, 0)})

	got, _ := s.Get("s1")
	if got.Messages[0].Content != "accumulated" {
		t.Fatalf("Content = %q, want %q", got.Messages[0].Content, "accumulated")
	}
	if got.Messages[0].Role != "assistant" {
		t.Fatalf("Role = %q, want %q", got.Messages[0].Role, "assistant")
	}
}

func TestAnyRunningIsDerivedFromCurrentState(t *testing.T) {
	s := NewStore()
	s.Upsert("s1", "", time.Now())
	if s.AnyRunning() {
		t.Fatalf("AnyRunning() = true for unknown-status session")
	}

	s.SetStatus("s1", StatusRunning)
	if !s.AnyRunning() {
		t.Fatalf("AnyRunning() = false, want true after running status")
	}

	s.SetStatus("s1", StatusCompleted)
	if s.AnyRunning() {
		t.Fatalf("AnyRunning() = true, want false after completion")
	}
}

func TestChangeHookFiresPerMutation(t *testing.T) {
	s := NewStore()
	count := 0
	s.SetChangeHook(func() { count++ })

	s.Upsert("s1", "", time.Now())
	s.SetStatus("s1", StatusRunning)
	s.AppendDelta("s1", "m1", "x")
	s.RemoveMessage("s1", "m1")
	s.Remove("s1")

	if count != 5 {
		t.Fatalf("change hook count = %d, want 5", count)
	}
}
