package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestInlineRunnerRunsImmediatelyAndDefersDelayed(t *testing.T) {
	r := NewInlineRunner(zap.NewNop())
	var calls int32
	task := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	}

	if err := r.Submit(context.Background(), "settle", task); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := r.SubmitAfter(context.Background(), time.Minute, "settle", task); err != nil {
		t.Fatalf("submit after: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
}

func TestAsyncRunnerExecutesSubmittedTasks(t *testing.T) {
	r := NewAsyncRunner(zap.NewNop(), 2, 8)
	r.Start()

	done := make(chan string, 2)
	_ = r.Submit(context.Background(), "a", func(context.Context) error { done <- "a"; return nil })
	_ = r.SubmitAfter(context.Background(), 10*time.Millisecond, "b", func(context.Context) error { done <- "b"; return nil })

	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case name := <-done:
			seen[name] = true
		case <-timeout:
			t.Fatalf("tasks did not run, saw %v", seen)
		}
	}

	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Submit(context.Background(), "late", func(context.Context) error { return nil }); !errors.Is(err, ErrRunnerStopped) {
		t.Fatalf("expected ErrRunnerStopped, got %v", err)
	}
}

func TestAsyncRunnerRecoversPanics(t *testing.T) {
	r := NewAsyncRunner(zap.NewNop(), 1, 4)
	r.Start()
	defer r.Stop(context.Background())

	done := make(chan struct{})
	_ = r.Submit(context.Background(), "panic", func(context.Context) error { panic("bad") })
	_ = r.Submit(context.Background(), "after", func(context.Context) error { close(done); return nil })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker died after panic")
	}
}

func TestAsyncRunnerQueueFull(t *testing.T) {
	r := NewAsyncRunner(zap.NewNop(), 1, 1)
	noop := func(context.Context) error { return nil }
	if err := r.Submit(context.Background(), "1", noop); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := r.Submit(context.Background(), "2", noop); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
