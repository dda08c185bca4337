package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/settlement/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

type job struct {
	ctx  context.Context
	name string
	task Task
}

// AsyncRunner executes tasks on a fixed pool of workers fed by a bounded
// queue. Delayed tasks are held on timers until they are due.
type AsyncRunner struct {
	log     *zap.Logger
	workers int
	queue   chan job

	mu      sync.Mutex
	stopped bool
	timers  map[*time.Timer]struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	baseCtx context.Context
}

func NewAsyncRunner(log *zap.Logger, workers, queueSize int) *AsyncRunner {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncRunner{
		log:     log.Named("tasks.async"),
		workers: workers,
		queue:   make(chan job, queueSize),
		timers:  make(map[*time.Timer]struct{}),
		cancel:  cancel,
		baseCtx: ctx,
	}
}

// Start launches the worker goroutines.
func (r *AsyncRunner) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
}

// Stop rejects new work, drops pending timers and waits for in-flight
// tasks until ctx expires.
func (r *AsyncRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	for t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return ctx.Err()
	}
}

func (r *AsyncRunner) Submit(ctx context.Context, name string, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	select {
	case r.queue <- job{ctx: r.detach(ctx), name: name, task: task}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *AsyncRunner) SubmitAfter(ctx context.Context, delay time.Duration, name string, task Task) error {
	if delay <= 0 {
		return r.Submit(ctx, name, task)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	detached := r.detach(ctx)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, timer)
		r.mu.Unlock()
		if err := r.Submit(detached, name, task); err != nil {
			r.log.Warn("delayed task dropped", zap.String("task", name), zap.Error(err))
		}
	})
	r.timers[timer] = struct{}{}
	return nil
}

func (r *AsyncRunner) detach(ctx context.Context) context.Context {
	if ctx == nil {
		return r.baseCtx
	}
	return correlation.Detach(ctx)
}

func (r *AsyncRunner) work() {
	defer r.wg.Done()
	for j := range r.queue {
		r.run(j)
	}
}

func (r *AsyncRunner) run(j job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("task panicked", zap.String("task", j.name), zap.Any("panic", rec))
		}
	}()
	start := time.Now()
	if err := j.task(j.ctx); err != nil {
		r.log.Warn("task failed",
			zap.String("task", j.name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	r.log.Debug("task finished", zap.String("task", j.name), zap.Duration("elapsed", time.Since(start)))
}
