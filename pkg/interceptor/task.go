package interceptor

import (
	"context"
	"sync"
)

// Task is the completion token of a lifecycle transition. The transition runs in its own goroutine; the host
// awaits it with Wait.
type Task struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

// runTask starts `fn` in the background and returns the Task resolving with its error.
func runTask(fn func() error) *Task {
	task := newTask()
	go func() { task.resolve(fn()) }()
	return task
}

// resolvedTask returns a Task that is already complete.
func resolvedTask(err error) *Task {
	task := newTask()
	task.resolve(err)
	return task
}

// resolve completes the task; only the first call has an effect.
func (t *Task) resolve(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed once the transition completed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transition completes or `ctx` is done. Giving up on the wait doesn't stop the transition.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
