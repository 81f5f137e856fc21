package interceptor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_Wait(t *testing.T) {
	release := make(chan struct{})
	task := runTask(func() error {
		<-release
		return errors.New("install failed")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.DeadlineExceeded)

	close(release)
	assert.EqualError(t, task.Wait(context.Background()), "install failed")
	// The outcome is kept for later waiters.
	assert.EqualError(t, task.Wait(context.Background()), "install failed")
}

func TestTask_ResolveOnce(t *testing.T) {
	task := resolvedTask(nil)
	task.resolve(errors.New("late"))
	select {
	case <-task.Done():
	default:
		t.Fatal("Expected a resolved task.")
	}
	assert.NoError(t, task.Wait(context.Background()))
}
