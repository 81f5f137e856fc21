// A Worker carries one cache generation through its lifecycle:
//
//	Parsed -> Installing -> Installed -> Activating -> Active -> Superseded
//	              \-> Redundant (failed precache)
//
// Every transition function returns a Task that resolves once the transition finished. Install always completes
// before Activate, since Activate only starts from Installed; Activate deletes stale generations before it
// claims the open clients.

package interceptor

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/nobletooth/alliopro/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"
)

var (
	cacheGeneration = flag.String("cache_generation", "alliopro-cache-v1",
		"Name of the current cache generation; stores of any other name are deleted on activation.")
	assetManifestFile = flag.String("asset_manifest_file", "",
		"Optional YAML file overriding the precached asset list.")
	skipWaiting = flag.Bool("skip_waiting", true,
		"Activate an installed generation right away instead of waiting for an explicit promotion.")

	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	lifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interceptor_lifecycle_transitions_total",
		Help: "Total number of lifecycle states entered by cache generations.",
	}, []string{"state"})
	retiredGenerations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "interceptor_retired_generations_total",
		Help: "Total number of stale cache generations deleted on activation.",
	})
)

// State is a lifecycle state of a Worker.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateSuperseded
	StateRedundant // Install failed; the worker is never used.
)

var stateNames = [...]string{"parsed", "installing", "installed", "activating", "active", "superseded", "redundant"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Worker owns the lifecycle and the fetch strategy of one cache generation.
type Worker struct {
	generation   string
	manifest     Manifest
	storage      storage.Storage
	network      *Network
	clients      *ClientRegistry
	keyHeaders   []string // Request headers taking part in the request identity.
	maxBodyBytes int64    // Larger bodies are passed through without being stored.

	mux         sync.RWMutex
	state       State
	skipWaiting bool          // Signalled by a successful install.
	store       storage.Store // Opened by Install.
}

// NewWorker returns a Parsed worker of `generation`.
func NewWorker(generation string, manifest Manifest, st storage.Storage, network *Network,
	clients *ClientRegistry) *Worker {
	return &Worker{
		generation:   generation,
		manifest:     manifest,
		storage:      st,
		network:      network,
		clients:      clients,
		keyHeaders:   keyHeadersFromFlag(),
		maxBodyBytes: *maxCacheBodyBytes,
		state:        StateParsed,
	}
}

// NewWorkerFromFlags returns a Parsed worker of -cache_generation with the -asset_manifest_file assets.
func NewWorkerFromFlags(st storage.Storage, network *Network, clients *ClientRegistry) (*Worker, error) {
	if strings.TrimSpace(*cacheGeneration) == "" {
		return nil, errors.New("--cache_generation flag is required")
	}
	manifest, err := LoadManifest(*assetManifestFile)
	if err != nil {
		return nil, err
	}
	return NewWorker(*cacheGeneration, manifest, st, network, clients), nil
}

func (w *Worker) Generation() string {
	return w.generation
}

func (w *Worker) State() State {
	w.mux.RLock()
	defer w.mux.RUnlock()
	return w.state
}

// SkipWaiting reports whether the install asked to replace the active generation right away.
func (w *Worker) SkipWaiting() bool {
	w.mux.RLock()
	defer w.mux.RUnlock()
	return w.skipWaiting
}

// setStateLocked moves the worker to `to`. NOTE: Caller should acquire lock.
func (w *Worker) setStateLocked(to State) {
	slog.Debug("Cache generation changed state.", "generation", w.generation, "from", w.state, "to", to)
	lifecycleTransitions.WithLabelValues(to.String()).Inc()
	w.state = to
}

// transition moves the worker from `from` to `to`; it fails if the worker isn't in `from`.
func (w *Worker) transition(from, to State) error {
	w.mux.Lock()
	defer w.mux.Unlock()

	if w.state != from {
		return fmt.Errorf("%w: %s can't move to %s from %s", ErrInvalidTransition, w.generation, to, w.state)
	}
	w.setStateLocked(to)
	return nil
}

// Install precaches the manifest into the generation's store. It is all-or-nothing: any failed asset leaves the
// store untouched and the worker Redundant. A generation whose store was installed by an earlier process is
// resumed from storage without touching the network.
func (w *Worker) Install(ctx context.Context) *Task {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return resolvedTask(err)
	}
	return runTask(func() error {
		store, err := w.installedStore(ctx)
		resumed := store != nil
		if err == nil && !resumed {
			store, err = w.precache(ctx)
		}

		w.mux.Lock()
		defer w.mux.Unlock()
		if err != nil {
			w.setStateLocked(StateRedundant)
			return fmt.Errorf("failed to install %s: %w", w.generation, err)
		}
		w.store = store
		w.skipWaiting = *skipWaiting
		w.setStateLocked(StateInstalled)
		slog.Info("Cache generation installed.", "generation", w.generation, "assets", len(w.manifest),
			"resumed", resumed)
		return nil
	})
}

// installedStore returns the generation's store if it was already installed; nil otherwise.
func (w *Worker) installedStore(ctx context.Context) (storage.Store, error) {
	installed, err := w.storage.Installed(ctx, w.generation)
	if err != nil {
		return nil, fmt.Errorf("failed to check stored generation: %w", err)
	}
	if !installed {
		return nil, nil
	}
	store, err := w.storage.Open(ctx, w.generation)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

// precache fetches every asset concurrently and writes them in a single PutAll.
func (w *Worker) precache(ctx context.Context) (storage.Store, error) {
	store, err := w.storage.Open(ctx, w.generation)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	entries := make([]storage.Entry, len(w.manifest))
	group, groupCtx := errgroup.WithContext(ctx)
	for assetIdx, path := range w.manifest {
		group.Go(func() error {
			entry, err := w.fetchAsset(groupCtx, path)
			if err != nil {
				return err
			}
			entries[assetIdx] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := store.PutAll(ctx, entries); err != nil {
		return nil, fmt.Errorf("failed to store precached assets: %w", err)
	}
	if err := w.storage.MarkInstalled(ctx, w.generation); err != nil {
		return nil, fmt.Errorf("failed to record install: %w", err)
	}
	return store, nil
}

// fetchAsset fetches a single manifest asset; anything but a 2xx response is a failure.
func (w *Worker) fetchAsset(ctx context.Context, path string) (storage.Entry, error) {
	req, err := w.network.AssetRequest(ctx, path)
	if err != nil {
		return storage.Entry{}, err
	}
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("failed to precache %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return storage.Entry{}, fmt.Errorf("failed to precache %s: status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.Entry{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return storage.Entry{
		Key:      storage.NewRequestKey(req, w.keyHeaders),
		Response: captureResponse(resp, body, w.network.ResponseType(resp)),
	}, nil
}

// Activate deletes every store of another generation and then claims all open clients.
func (w *Worker) Activate(ctx context.Context) *Task {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return resolvedTask(err)
	}
	return runTask(func() error {
		if err := w.retireGenerations(ctx); err != nil {
			w.mux.Lock()
			w.setStateLocked(StateInstalled) // Activation may be retried.
			w.mux.Unlock()
			return fmt.Errorf("failed to activate %s: %w", w.generation, err)
		}
		claimed := w.clients.Claim(w.generation)

		w.mux.Lock()
		w.setStateLocked(StateActive)
		w.mux.Unlock()
		slog.Info("Cache generation activated.", "generation", w.generation, "claimed_clients", claimed)
		return nil
	})
}

// retireGenerations deletes the stores of every generation but the current one.
func (w *Worker) retireGenerations(ctx context.Context) error {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stores: %w", err)
	}
	for _, name := range names {
		if name == w.generation {
			continue
		}
		if isNewerGeneration(name, w.generation) {
			slog.Warn("Deleting a newer cache generation.", "deleted", name, "current", w.generation)
		}
		if _, err := w.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("failed to delete store %s: %w", name, err)
		}
		retiredGenerations.Inc()
		slog.Info("Deleted stale cache generation.", "deleted", name, "current", w.generation)
	}
	return nil
}

// generationVersion extracts the semantic version suffix of a generation tag, e.g. "v1" of "alliopro-cache-v1".
func generationVersion(generation string) string {
	version := generation[strings.LastIndex(generation, "-")+1:]
	if !semver.IsValid(version) {
		return ""
	}
	return version
}

// isNewerGeneration reports whether both tags are versioned and `name` has the higher version.
func isNewerGeneration(name, current string) bool {
	nameVersion, currentVersion := generationVersion(name), generationVersion(current)
	if nameVersion == "" || currentVersion == "" {
		return false
	}
	return semver.Compare(nameVersion, currentVersion) > 0
}

// Supersede retires an active worker once another generation took over.
func (w *Worker) Supersede() *Task {
	return resolvedTask(w.transition(StateActive, StateSuperseded))
}
