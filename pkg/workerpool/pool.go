// Package workerpool provides a bounded worker pool that runs a batch of
// independent tasks with per-task retries.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Attempts int
	Data     interface{}
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// RetryPolicy decides whether a failed result is worth another attempt
type RetryPolicy func(err error) bool

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt
	RetryDelay time.Duration
}

// DefaultConfig returns defaults sized for a facility-wide daily run
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		MaxRetries: 3,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Pool runs batches of tasks over a fixed number of workers
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	retryable  RetryPolicy
	logger     *zap.Logger

	// Metrics
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		retryable:  func(error) bool { return true },
		logger:     logger,
	}, nil
}

// WithRetryPolicy sets the policy deciding which failures are retried
func (p *Pool) WithRetryPolicy(policy RetryPolicy) *Pool {
	if policy != nil {
		p.retryable = policy
	}
	return p
}

// Run processes every task and returns one result per task, in task order.
// It returns once all tasks have finished or been abandoned because ctx
// was cancelled.
func (p *Pool) Run(ctx context.Context, tasks []*Task) []*Result {
	results := make([]*Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	type job struct {
		index int
		task  *Task
	}

	jobs := make(chan job)
	workers := p.config.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			atomic.AddInt64(&p.activeWorkers, 1)
			defer atomic.AddInt64(&p.activeWorkers, -1)

			for j := range jobs {
				results[j.index] = p.processTask(ctx, id, j.task)
			}
		}(i)
	}

	for i, task := range tasks {
		atomic.AddInt64(&p.tasksSubmitted, 1)
		jobs <- job{index: i, task: task}
	}
	close(jobs)
	wg.Wait()

	return results
}

// processTask handles a single task with retries
func (p *Pool) processTask(ctx context.Context, workerID int, task *Task) *Result {
	var result *Result

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			result = &Result{TaskID: task.ID, Error: err, Attempts: attempt}
			break
		}

		result = p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{TaskID: task.ID, Success: true}
		}
		result.TaskID = task.ID
		result.Attempts = attempt + 1

		if result.Success || attempt >= p.config.MaxRetries || !p.retryable(result.Error) {
			if !result.Success && attempt > 0 && p.retryable(result.Error) {
				result.Error = fmt.Errorf("task failed after %d retries: %w", attempt, result.Error)
			}
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
			return p.finish(workerID, task, &Result{TaskID: task.ID, Error: ctx.Err(), Attempts: attempt + 1})
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	return p.finish(workerID, task, result)
}

func (p *Pool) finish(workerID int, task *Task, result *Result) *Result {
	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Debug("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Error))
	}
	return result
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		Workers:        p.config.Workers,
	}
}
