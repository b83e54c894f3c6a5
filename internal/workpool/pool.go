// Package workpool runs independent jobs on a bounded set of goroutines with
// per-job result deadlines and bulk termination.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"volseg/internal/model"
)

// Func is the body of a job. ctx is cancelled when the pool terminates.
type Func[T any] func(ctx context.Context) (T, error)

// Future is the pending result of a submitted job.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Wait blocks until the job finishes, timeout elapses or ctx is done. A
// timeout returns model.ErrWorkerTimeout and leaves the job running.
func (f *Future[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		return zero, model.ErrWorkerTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

type task[T any] struct {
	id     int
	fn     Func[T]
	future *Future[T]
}

// Pool is one generation of workers. Terminate ends it; a terminated pool
// accepts no more jobs.
type Pool[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan task[T]
	wg     sync.WaitGroup

	mu         sync.Mutex
	terminated bool
}

// NewPool starts workers goroutines. capacity bounds how many jobs can be
// queued without blocking Submit. Job contexts derive from parent but do not
// inherit its cancellation: only Terminate stops them.
func NewPool[T any](parent context.Context, workers, capacity int) *Pool[T] {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	p := &Pool[T]{
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan task[T], max(capacity, 1)),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p
}

func (p *Pool[T]) work() {
	defer p.wg.Done()
	for t := range p.queue {
		if p.ctx.Err() != nil {
			t.future.err = p.ctx.Err()
			close(t.future.done)
			continue
		}
		t.future.value, t.future.err = runGuarded(p.ctx, t.id, t.fn)
		close(t.future.done)
	}
}

func runGuarded[T any](ctx context.Context, id int, fn Func[T]) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %d panicked: %v\n%s", id, r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// Submit enqueues a job without waiting for it to start.
func (p *Pool[T]) Submit(id int, fn Func[T]) (*Future[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminated {
		return nil, errors.New("submit to terminated pool")
	}
	f := &Future[T]{done: make(chan struct{})}
	select {
	case p.queue <- task[T]{id: id, fn: fn, future: f}:
		return f, nil
	default:
		return nil, fmt.Errorf("pool queue full (capacity %d)", cap(p.queue))
	}
}

// Terminate cancels every running job, drops queued ones and waits up to
// grace for workers to exit. It reports whether all workers exited in time;
// workers stuck in a job that ignores its context are abandoned.
func (p *Pool[T]) Terminate(grace time.Duration) bool {
	p.mu.Lock()
	if !p.terminated {
		p.terminated = true
		p.cancel()
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
