package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gangwaybot/gangway/internal/handler"
)

// Executor runs one task outside any interactive session. Satisfied by the
// session manager's non-interactive path.
type Executor interface {
	ExecuteNonInteractive(ctx context.Context, command, projectPath string, timeout time.Duration) (*handler.CommandResult, error)
}

// TaskResult pairs a task with its execution outcome.
type TaskResult struct {
	Task   Task
	Result *handler.CommandResult
	Err    error
}

// DispatchResult contains the outcome of one dispatch pass.
type DispatchResult struct {
	Completed []TaskResult // tasks that ran, successfully or not
	Skipped   []string     // task IDs left queued by the limit
	Errors    []error
}

// Dispatcher drains the queue through an Executor.
type Dispatcher struct {
	queue       *Queue
	exec        Executor
	dryRun      bool
	limit       int // 0 = unlimited
	parallelism int // 0 or 1 = sequential
}

// NewDispatcher creates a sequential dispatcher over q.
func NewDispatcher(q *Queue, exec Executor) *Dispatcher {
	return &Dispatcher{
		queue:       q,
		exec:        exec,
		parallelism: 1,
	}
}

// WithDryRun sets dry-run mode: tasks are reported, not run.
func (d *Dispatcher) WithDryRun(dryRun bool) *Dispatcher {
	d.dryRun = dryRun
	return d
}

// WithLimit caps the number of tasks one Dispatch pass runs.
func (d *Dispatcher) WithLimit(limit int) *Dispatcher {
	d.limit = limit
	return d
}

// WithParallelism sets the number of concurrent executions.
func (d *Dispatcher) WithParallelism(parallelism int) *Dispatcher {
	d.parallelism = parallelism
	return d
}

// Dispatch runs queued tasks, removing each completed task from the queue.
// Tasks past the limit stay queued for the next pass.
func (d *Dispatcher) Dispatch(ctx context.Context) (*DispatchResult, error) {
	result := &DispatchResult{}

	tasks := d.queue.All()
	if len(tasks) == 0 {
		return result, nil
	}

	toRun := tasks
	if d.limit > 0 && len(tasks) > d.limit {
		toRun = tasks[:d.limit]
		for _, t := range tasks[d.limit:] {
			result.Skipped = append(result.Skipped, t.ID)
		}
	}

	if d.dryRun {
		for _, t := range toRun {
			result.Completed = append(result.Completed, TaskResult{Task: t})
		}
		return result, nil
	}

	results := d.runAll(ctx, toRun)

	for _, r := range results {
		result.Completed = append(result.Completed, r)
		if r.Err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("task %s: %w", r.Task.ID, r.Err))
		}
		d.queue.Remove(r.Task.ID)
	}

	if len(result.Errors) > 0 {
		return result, fmt.Errorf("%d dispatch errors", len(result.Errors))
	}
	return result, nil
}

// runAll executes tasks through a fixed worker pool, preserving input order
// in the returned slice.
func (d *Dispatcher) runAll(ctx context.Context, tasks []Task) []TaskResult {
	workers := d.parallelism
	if workers < 1 {
		workers = 1
	}

	results := make([]TaskResult, len(tasks))
	jobs := make(chan int, len(tasks))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				t := tasks[idx]
				res, err := d.exec.ExecuteNonInteractive(ctx, t.Command, t.ProjectPath, t.Timeout)
				results[idx] = TaskResult{Task: t, Result: res, Err: err}
			}
		}()
	}

	for i := range tasks {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}
