package reliability

import (
	"context"
	"testing"
	"time"
)

func TestExponentialBackoffSequence(t *testing.T) {
	base := 1000 * time.Millisecond
	cap := 30000 * time.Millisecond
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for attempt, w := range want {
		if got := ExponentialBackoff(attempt, base, cap); got != w {
			t.Fatalf("ExponentialBackoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestWaitReadySucceedsOnThirdAttempt(t *testing.T) {
	var delays []time.Duration
	calls := 0
	ok := WaitReady(context.Background(), ProbeConfig{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		MaxAttempts:  8,
		Sleep:        func(d time.Duration) { delays = append(delays, d) },
	}, func(context.Context) bool {
		calls++
		return calls >= 3
	})

	if !ok {
		t.Fatalf("WaitReady() = false, want true")
	}
	if calls != 3 {
		t.Fatalf("check calls = %d, want 3", calls)
	}
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestWaitReadyGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	ok := WaitReady(context.Background(), ProbeConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		MaxAttempts:  4,
		Sleep:        func(time.Duration) {},
	}, func(context.Context) bool {
		calls++
		return false
	})

	if ok {
		t.Fatalf("WaitReady() = true, want false")
	}
	if calls != 4 {
		t.Fatalf("check calls = %d, want 4", calls)
	}
}

func TestWaitReadyStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	ok := WaitReady(ctx, ProbeConfig{MaxAttempts: 8, Sleep: func(time.Duration) {}}, func(context.Context) bool {
		calls++
		return true
	})
	if ok {
		t.Fatalf("WaitReady() = true, want false on cancelled context")
	}
	if calls != 0 {
		t.Fatalf("check calls = %d, want 0", calls)
	}
}
