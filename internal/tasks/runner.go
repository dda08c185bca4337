// Package tasks runs deferred settlement work either on a bounded worker pool
// or synchronously in the caller's goroutine.
package tasks

import (
	"context"
	"errors"
	"time"
)

// Task is one unit of re-runnable work.
type Task func(ctx context.Context) error

// Runner schedules tasks. Implementations must tolerate the same task being
// submitted more than once.
type Runner interface {
	Submit(ctx context.Context, name string, task Task) error
	SubmitAfter(ctx context.Context, delay time.Duration, name string, task Task) error
}

var (
	ErrRunnerStopped = errors.New("task_runner_stopped")
	ErrQueueFull     = errors.New("task_queue_full")
)
