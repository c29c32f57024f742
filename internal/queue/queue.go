// Package queue provides a bounded work queue and dispatcher for
// fire-and-forget one-shot agent commands.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity bounds a queue when none is given.
const DefaultCapacity = 100

var ErrQueueFull = errors.New("queue is full")

// Task is one queued one-shot command.
type Task struct {
	ID          string
	Command     string
	ProjectPath string
	Timeout     time.Duration
	EnqueuedAt  time.Time
}

// Queue is a bounded FIFO of pending tasks.
type Queue struct {
	mu    sync.Mutex
	cap   int
	items []Task
}

// New creates a queue holding at most capacity tasks.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{cap: capacity}
}

// Add enqueues a command. The returned task carries the generated ID.
func (q *Queue) Add(command, projectPath string, timeout time.Duration) (Task, error) {
	if command == "" {
		return Task{}, fmt.Errorf("command is required")
	}
	if projectPath == "" {
		projectPath = "."
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		return Task{}, fmt.Errorf("%w: %d tasks", ErrQueueFull, q.cap)
	}
	task := Task{
		ID:          uuid.NewString(),
		Command:     command,
		ProjectPath: projectPath,
		Timeout:     timeout,
		EnqueuedAt:  time.Now(),
	}
	q.items = append(q.items, task)
	return task, nil
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// All returns a copy of the pending tasks in FIFO order.
func (q *Queue) All() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.items))
	copy(out, q.items)
	return out
}

// Remove drops a task by ID. Removing an absent ID is not an error.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, t := range q.items {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	q.items = kept
}

// Clear drops every pending task and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
