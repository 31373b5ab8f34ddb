package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task represents a unit of work to be executed by a worker
type Task[T any] struct {
	// Name identifies the task in logs and results
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Result represents the outcome of a task
type Result[T any] struct {
	Name     string
	Index    int // Position of the task in the submitted slice
	Value    T
	Err      error
	Duration time.Duration
}

// Pool runs tasks on a fixed number of workers pulling from a shared queue.
// Completion order across workers is not defined; each worker runs its tasks
// strictly one after another.
type Pool struct {
	workers int
	logger  *slog.Logger
}

// NewPool creates a pool with the given number of workers (minimum 1)
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{workers: workers, logger: logger}
}

// Run executes every task and blocks until all workers have returned.
// Results are indexed like tasks, whatever order they completed in.
func Run[T any](ctx context.Context, p *Pool, tasks []Task[T]) []Result[T] {
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}

	concurrency := calculateConcurrency(p.workers, len(tasks))
	p.logger.Debug("pool started", "tasks", len(tasks), "workers", concurrency)

	jobs := make(chan int, len(tasks))
	for i := range tasks {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := range jobs {
				results[i] = execute(ctx, tasks[i], i)
				p.logger.Debug("task completed",
					"worker_id", workerID,
					"task", tasks[i].Name,
					"success", results[i].Err == nil,
					"duration_ms", results[i].Duration.Milliseconds())
			}
		}(w)
	}
	wg.Wait()

	p.logger.Debug("pool completed", "tasks", len(tasks))
	return results
}

// execute runs one task, turning a panic into an error result
func execute[T any](ctx context.Context, task Task[T], index int) (result Result[T]) {
	result = Result[T]{Name: task.Name, Index: index}
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		result.Err = fmt.Errorf("task %s not started: %w", task.Name, err)
		return result
	}

	result.Value, result.Err = task.Run(ctx)
	return result
}

// calculateConcurrency never starts more workers than there are tasks
func calculateConcurrency(workers, taskCount int) int {
	if workers < 1 {
		return 1
	}
	if taskCount > 0 && workers > taskCount {
		return taskCount
	}
	return workers
}
