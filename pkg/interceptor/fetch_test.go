package interceptor

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nobletooth/alliopro/pkg/config"
	"github.com/nobletooth/alliopro/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fetchBody runs an intercepted request through `worker` and reads the whole response.
func fetchBody(t *testing.T, worker *Worker, network *Network, r *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := worker.Fetch(context.Background(), network.Outbound(r))
	require.NoError(t, err)
	defer func() { assert.NoError(t, resp.Body.Close()) }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

// storedBody returns the stored body of GET `target`, or false.
func storedBody(t *testing.T, st storage.Storage, generation, target string) (string, bool) {
	t.Helper()
	store, err := st.Open(context.Background(), generation)
	require.NoError(t, err)
	resp, found, err := store.Match(context.Background(), storage.RequestKey{Method: http.MethodGet, URL: target})
	require.NoError(t, err)
	if !found {
		return "", false
	}
	return string(resp.Body), true
}

func TestFetch_StoresSameOriginOK(t *testing.T) {
	origin := newTestOrigin(t)
	network := origin.network(t, time.Second)
	st := storage.NewMemory()
	worker := activeWorker(t, NewRegistration(NewClientRegistry()), network, st, "alliopro-cache-v1")

	resp, body := fetchBody(t, worker, network, clientRequest(http.MethodGet, "/data.json"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"served":1}`, body)

	stored, found := storedBody(t, st, "alliopro-cache-v1", origin.server.URL+"/data.json")
	require.True(t, found)
	assert.Equal(t, `{"served":1}`, stored)

	// Network first: a later fetch reaches the origin again and overwrites the entry.
	_, body = fetchBody(t, worker, network, clientRequest(http.MethodGet, "/data.json"))
	assert.Equal(t, `{"served":2}`, body)
	stored, _ = storedBody(t, st, "alliopro-cache-v1", origin.server.URL+"/data.json")
	assert.Equal(t, `{"served":2}`, stored)
}

func TestFetch_PassesThroughWithoutStoring(t *testing.T) {
	origin := newTestOrigin(t)
	network := origin.network(t, time.Second)
	st := storage.NewMemory()
	worker := activeWorker(t, NewRegistration(NewClientRegistry()), network, st, "alliopro-cache-v1")

	for _, testCase := range []struct {
		name       string
		request    *http.Request
		storedURL  string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "cross origin",
			request:    clientRequest(http.MethodGet, origin.foreign.URL+"/data.json"),
			storedURL:  origin.foreign.URL + "/data.json",
			wantStatus: http.StatusOK,
			wantBody:   `{"foreign":true}`,
		},
		{
			name:       "redirected cross origin",
			request:    clientRequest(http.MethodGet, "/redirect"),
			storedURL:  origin.server.URL + "/redirect",
			wantStatus: http.StatusOK,
			wantBody:   `{"foreign":true}`,
		},
		{
			name:       "not found",
			request:    clientRequest(http.MethodGet, "/missing"),
			storedURL:  origin.server.URL + "/missing",
			wantStatus: http.StatusNotFound,
			wantBody:   "404 page not found\n",
		},
		{
			name:       "server error",
			request:    clientRequest(http.MethodGet, "/broken"),
			storedURL:  origin.server.URL + "/broken",
			wantStatus: http.StatusInternalServerError,
			wantBody:   "boom\n",
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			origin.fail("/broken")
			resp, body := fetchBody(t, worker, network, testCase.request)
			assert.Equal(t, testCase.wantStatus, resp.StatusCode)
			assert.Equal(t, testCase.wantBody, body)
			_, found := storedBody(t, st, "alliopro-cache-v1", testCase.storedURL)
			assert.False(t, found)
		})
	}
}

func TestFetch_OnlyGetIsStored(t *testing.T) {
	origin := newTestOrigin(t)
	network := origin.network(t, time.Second)
	st := storage.NewMemory()
	worker := activeWorker(t, NewRegistration(NewClientRegistry()), network, st, "alliopro-cache-v1")

	resp, _ := fetchBody(t, worker, network, clientRequest(http.MethodPost, "/data.json"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	store, err := st.Open(context.Background(), "alliopro-cache-v1")
	require.NoError(t, err)
	_, found, err := store.Match(context.Background(),
		storage.RequestKey{Method: http.MethodPost, URL: origin.server.URL + "/data.json"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFetch_TooLargeIsNotStored(t *testing.T) {
	config.SetTestFlag(t, "max_cache_body_bytes", "4")
	origin := newTestOrigin(t)
	network := origin.network(t, time.Second)
	st := storage.NewMemory()
	worker := NewWorker("alliopro-cache-v1", Manifest{"/tiny"}, st, network, NewClientRegistry())
	require.NoError(t, worker.Install(context.Background()).Wait(context.Background()))
	require.NoError(t, worker.Activate(context.Background()).Wait(context.Background()))

	_, body := fetchBody(t, worker, network, clientRequest(http.MethodGet, "/data.json"))
	assert.Equal(t, `{"served":1}`, body)
	_, found := storedBody(t, st, "alliopro-cache-v1", origin.server.URL+"/data.json")
	assert.False(t, found)
}

func TestFetch_FallsBackToStore(t *testing.T) {
	origin := newTestOrigin(t)
	network := origin.network(t, time.Second)
	st := storage.NewMemory()
	worker := activeWorker(t, NewRegistration(NewClientRegistry()), network, st, "alliopro-cache-v1")
	_, body := fetchBody(t, worker, network, clientRequest(http.MethodGet, "/data.json"))
	require.Equal(t, `{"served":1}`, body)

	origin.down.Store(true)
	resp, body := fetchBody(t, worker, network, clientRequest(http.MethodGet, "/data.json"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"served":1}`, body)
	assert.Equal(t, "cache", resp.Header.Get(SourceHeader))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	// Precached assets are served too.
	_, body = fetchBody(t, worker, network, clientRequest(http.MethodGet, "/index.html"))
	assert.Equal(t, "asset /index.html", body)

	_, err := worker.Fetch(context.Background(), network.Outbound(clientRequest(http.MethodGet, "/never-seen")))
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestFetch_TimeoutFallsBack(t *testing.T) {
	origin := newTestOrigin(t)
	network := origin.network(t, 50*time.Millisecond)
	worker := activeWorker(t, NewRegistration(NewClientRegistry()), network, storage.NewMemory(),
		"alliopro-cache-v1")

	start := time.Now()
	_, err := worker.Fetch(context.Background(), network.Outbound(clientRequest(http.MethodGet, "/slow")))
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetch_RequiresServingWorker(t *testing.T) {
	origin := newTestOrigin(t)
	network := origin.network(t, time.Second)
	worker := NewWorker("alliopro-cache-v1", DefaultManifest, storage.NewMemory(), network, NewClientRegistry())
	_, err := worker.Fetch(context.Background(), network.Outbound(clientRequest(http.MethodGet, "/")))
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestKeyHeadersFromFlag(t *testing.T) {
	config.SetTestFlag(t, "request_key_headers", " Accept-Language, ,accept")
	assert.Equal(t, []string{"Accept-Language", "accept"}, keyHeadersFromFlag())
}

func TestReadUpTo(t *testing.T) {
	body, complete, err := readUpTo(strings.NewReader("abcd"), 4)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "abcd", string(body))

	body, complete, err = readUpTo(strings.NewReader("abcde"), 4)
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, "abcde", string(body))
}
