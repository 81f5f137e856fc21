package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nobletooth/alliopro/pkg/storage"
	"github.com/stretchr/testify/require"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// testOrigin is an origin server plus a foreign server, reachable through a network that can be cut.
type testOrigin struct {
	server  *httptest.Server
	foreign *httptest.Server
	down    atomic.Bool
	served  atomic.Int32 // Number of /data.json responses served by the origin.

	mux     sync.Mutex
	failing map[string]bool // Paths answering 500.
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	origin := &testOrigin{failing: make(map[string]bool)}

	origin.foreign = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"foreign":true}`)
	}))
	t.Cleanup(origin.foreign.Close)

	origin.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin.mux.Lock()
		failing := origin.failing[r.URL.Path]
		origin.mux.Unlock()
		switch {
		case failing:
			http.Error(w, "boom", http.StatusInternalServerError)
		case r.URL.Path == "/data.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"served":%d}`, origin.served.Add(1))
		case r.URL.Path == "/redirect":
			http.Redirect(w, r, origin.foreign.URL+"/data.json", http.StatusFound)
		case r.URL.Path == "/missing":
			http.NotFound(w, r)
		case r.URL.Path == "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = fmt.Fprint(w, "asset "+r.URL.Path)
		}
	}))
	t.Cleanup(origin.server.Close)
	return origin
}

func (o *testOrigin) fail(path string) {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.failing[path] = true
}

// network returns a Network to the origin that fails every attempt while the origin is down.
func (o *testOrigin) network(t *testing.T, timeout time.Duration) *Network {
	t.Helper()
	originURL, err := ParseOrigin(o.server.URL)
	require.NoError(t, err)
	client := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		if o.down.Load() {
			return nil, errors.New("network is unreachable")
		}
		return http.DefaultTransport.RoundTrip(r)
	})}
	return NewNetwork(originURL, client, timeout)
}

// clientRequest is a request a page sends to the interceptor.
func clientRequest(method, target string) *http.Request {
	return httptest.NewRequest(method, target, nil)
}

// activeWorker registers a worker of `generation` and returns it once it is active.
func activeWorker(t *testing.T, registration *Registration, network *Network, st storage.Storage,
	generation string) *Worker {
	t.Helper()
	worker := NewWorker(generation, DefaultManifest, st, network, registration.Clients())
	require.NoError(t, registration.Register(context.Background(), worker))
	require.Equal(t, StateActive, worker.State())
	return worker
}

// assetKeys returns the request keys of the default manifest assets of `origin`.
func assetKeys(origin string) []storage.RequestKey {
	keys := make([]storage.RequestKey, 0, len(DefaultManifest))
	for _, path := range DefaultManifest {
		keys = append(keys, storage.RequestKey{Method: http.MethodGet, URL: strings.TrimSuffix(origin, "/") + path})
	}
	return keys
}
