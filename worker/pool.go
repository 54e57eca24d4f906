package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned when the task queue cannot accept more work.
var ErrQueueFull = errors.New("task queue is full")

// Task is a unit of background work with a stable identifier for logging.
type Task interface {
	ID() string
	Run(ctx context.Context) error
}

// Pool executes tasks on a fixed set of goroutines. Unlike a fire-and-forget
// goroutine per submission, the pool bounds concurrency and Stop waits for
// running tasks, so in-flight training runs are observable at shutdown.
type Pool struct {
	workers int
	tasks   chan Task
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logrus.Logger
}

// NewPool creates a pool with the given worker count and queue depth.
func NewPool(workers, queueDepth int, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		tasks:   make(chan Task, queueDepth),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 1; i <= p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.WithField("workers", p.workers).Info("worker pool started")
}

// Submit enqueues a task without blocking the caller.
func (p *Pool) Submit(task Task) error {
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels the task context and waits for the workers to return. Tasks
// still in the queue are abandoned; running tasks see the cancellation
// through their context.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			log := p.logger.WithFields(logrus.Fields{"worker": id, "task": task.ID()})
			log.Info("task started")
			if err := task.Run(p.ctx); err != nil {
				log.WithError(err).Error("task failed")
			} else {
				log.Info("task finished")
			}
		}
	}
}
