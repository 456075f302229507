package harvest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultQueueSize is the number of batches that may wait behind the one in flight.
const DefaultQueueSize = 16

var (
	// ErrQueueFull is returned by Enqueue when no slot is free.
	ErrQueueFull = errors.New("harvest queue full")

	// ErrQueueClosed is returned by Enqueue after Stop.
	ErrQueueClosed = errors.New("harvest queue closed")
)

// Harvester is the work a Queue runs for each task. *Pipeline implements it.
type Harvester interface {
	Harvest(ctx context.Context, batch []string) (Report, error)
}

// Task is one queued batch.
type Task struct {
	ID       string
	Batch    []string
	Enqueued time.Time
}

// CompletionFunc is called after each task, successful or not.
type CompletionFunc func(taskID string, report Report, err error)

// QueueConfig holds Queue configuration.
type QueueConfig struct {
	// Size is the channel capacity (default: 16).
	Size   int
	Logger *zap.Logger
}

// Queue runs harvests one at a time. Batches from the same chat must not be
// reconciled concurrently, so a single worker drains the queue in FIFO order.
type Queue struct {
	harvester Harvester
	logger    *zap.Logger

	mu       sync.Mutex
	tasks    chan Task
	closed   bool
	onDone   CompletionFunc
	started  bool
	workerWG sync.WaitGroup
}

// NewQueue creates a Queue that feeds h. Call Start to begin processing.
func NewQueue(h Harvester, cfg QueueConfig) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Queue{
		harvester: h,
		logger:    cfg.Logger,
		tasks:     make(chan Task, cfg.Size),
	}
}

// OnComplete registers fn to be called after every task. It replaces any
// previous callback.
func (q *Queue) OnComplete(fn CompletionFunc) {
	q.mu.Lock()
	q.onDone = fn
	q.mu.Unlock()
}

// Start launches the worker. The worker stops when ctx is cancelled or Stop
// is called. Calling Start twice has no effect.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	q.workerWG.Add(1)
	go q.worker(ctx)
	q.logger.Info("harvest worker started", zap.Int("capacity", cap(q.tasks)))
}

// Enqueue adds batch without blocking and returns the task ID.
func (q *Queue) Enqueue(batch []string) (string, error) {
	task := Task{
		ID:       uuid.NewString(),
		Batch:    batch,
		Enqueued: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	select {
	case q.tasks <- task:
		q.logger.Debug("batch queued", zap.String("task_id", task.ID), zap.Int("messages", len(batch)))
		return task.ID, nil
	default:
		q.logger.Warn("harvest queue full, dropping batch", zap.Int("messages", len(batch)))
		return "", ErrQueueFull
	}
}

// Pending returns the number of tasks waiting behind the one in flight.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

// ClearQueue drops every pending task and returns how many were dropped. The
// task in flight, if any, is not affected.
func (q *Queue) ClearQueue() int {
	dropped := 0
	for {
		select {
		case _, ok := <-q.tasks:
			if !ok {
				return dropped
			}
			dropped++
		default:
			if dropped > 0 {
				q.logger.Info("harvest queue cleared", zap.Int("dropped", dropped))
			}
			return dropped
		}
	}
}

// Stop closes the queue and waits for the worker to finish the tasks already
// queued, or for ctx to expire.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("harvest worker stopped")
		return nil
	case <-ctx.Done():
		q.logger.Warn("harvest worker stop timed out")
		return ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.workerWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			q.process(ctx, task)
		}
	}
}

func (q *Queue) process(ctx context.Context, task Task) {
	start := time.Now()
	report, err := q.harvester.Harvest(ctx, task.Batch)
	if err != nil {
		q.logger.Error("harvest failed",
			zap.String("task_id", task.ID),
			zap.Duration("waited", start.Sub(task.Enqueued)),
			zap.Error(err))
	} else {
		q.logger.Debug("harvest task done",
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)))
	}

	q.mu.Lock()
	fn := q.onDone
	q.mu.Unlock()
	if fn != nil {
		fn(task.ID, report, err)
	}
}
