package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrNoWaitingWorker = errors.New("no installed generation is waiting")

// Registration hosts the workers of one origin: at most one active, one waiting and one installing.
type Registration struct {
	clients *ClientRegistry

	mux        sync.RWMutex
	installing *Worker
	waiting    *Worker
	active     *Worker
}

// NewRegistration returns a Registration with no worker.
func NewRegistration(clients *ClientRegistry) *Registration {
	return &Registration{clients: clients}
}

func (r *Registration) Clients() *ClientRegistry {
	return r.clients
}

// Active returns the worker serving requests; nil before the first activation.
func (r *Registration) Active() *Worker {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.active
}

// Waiting returns the installed worker waiting for promotion, if any.
func (r *Registration) Waiting() *Worker {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.waiting
}

// Installing returns the worker whose install is in flight, if any.
func (r *Registration) Installing() *Worker {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.installing
}

// Register installs `w` and activates it when it skips waiting or nothing is active yet; otherwise `w` waits for
// Promote.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.mux.Lock()
	r.installing = w
	r.mux.Unlock()

	installErr := w.Install(ctx).Wait(ctx)

	r.mux.Lock()
	if r.installing == w {
		r.installing = nil
	}
	if installErr != nil {
		r.mux.Unlock()
		return installErr
	}
	activateNow := w.SkipWaiting() || r.active == nil
	if !activateNow {
		r.waiting = w
	}
	r.mux.Unlock()

	if !activateNow {
		slog.Info("Cache generation is waiting for promotion.", "generation", w.Generation())
		return nil
	}
	return r.activate(ctx, w)
}

// Promote activates the waiting worker.
func (r *Registration) Promote(ctx context.Context) error {
	waiting := r.Waiting()
	if waiting == nil {
		return ErrNoWaitingWorker
	}
	return r.activate(ctx, waiting)
}

// activate runs the activation of `w` and then supersedes the previously active worker.
func (r *Registration) activate(ctx context.Context, w *Worker) error {
	if err := w.Activate(ctx).Wait(ctx); err != nil {
		return err
	}

	r.mux.Lock()
	previous := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.mux.Unlock()

	if previous != nil && previous != w {
		if err := previous.Supersede().Wait(ctx); err != nil {
			return fmt.Errorf("failed to supersede %s: %w", previous.Generation(), err)
		}
	}
	return nil
}
