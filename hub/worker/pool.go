package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned when a task cannot be enqueued without blocking.
var ErrQueueFull = errors.New("worker queue is full")

// Task is one unit of background work, identified by the URN of the resource
// it operates on.
type Task interface {
	Urn() string
	Run(ctx context.Context)
}

// Pool runs tasks on a fixed number of workers with a bounded queue. Tasks
// are identified by URN so the pool can report what is in flight.
type Pool struct {
	queue  chan Task
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]bool
}

func NewPool(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth < workers {
		queueDepth = workers
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		queue:  make(chan Task, queueDepth),
		cancel: cancel,
		active: map[string]bool{},
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(ctx, i)
	}

	return pool
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, id, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	p.mu.Lock()
	p.active[task.Urn()] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.active, task.Urn())
		p.mu.Unlock()

		if r := recover(); r != nil {
			slog.Error("panic in worker task", "worker", id, "urn", task.Urn(), "panic", r)
		}
	}()

	slog.Info("worker task started", "worker", id, "urn", task.Urn())
	task.Run(ctx)
	slog.Info("worker task finished", "worker", id, "urn", task.Urn())
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	select {
	case p.queue <- task:
		return nil
	default:
		return fmt.Errorf("%w: cannot schedule %v", ErrQueueFull, task.Urn())
	}
}

// Active lists the URNs of tasks currently running.
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	urns := make([]string, 0, len(p.active))
	for urn := range p.active {
		urns = append(urns, urn)
	}
	return urns
}

// Stop cancels running tasks and waits for the workers to exit. Queued tasks
// that never started are dropped.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
}
