// Intercepted requests follow network-first-with-fallback: the network is always tried first and a successful,
// same-origin 200 response to a GET is copied into the generation's store on its way back. The store is only
// consulted when the network attempt fails.

package interceptor

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nobletooth/alliopro/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SourceHeader tells the client whether a response came from the network or the cache.
const SourceHeader = "X-Alliopro-Source"

var (
	maxCacheBodyBytes = flag.Int64("max_cache_body_bytes", 8<<20,
		"Responses with larger bodies are passed through without being stored.")
	requestKeyHeaders = flag.String("request_key_headers", "",
		"Comma separated request headers that take part in the cached request identity.")

	// ErrNoResponse means both the network and the cache failed to produce a response.
	ErrNoResponse = errors.New("no response from network or cache")
	ErrNotActive  = errors.New("cache generation is not serving")

	fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interceptor_fetches_total",
		Help: "Total number of intercepted requests by where their response came from.",
	}, []string{"source" /* network | cache | none */})
	storeWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interceptor_store_writes_total",
		Help: "Total number of network responses considered for storing.",
	}, []string{"result" /* stored | skipped | too_large | failed */})
)

// keyHeadersFromFlag splits -request_key_headers.
func keyHeadersFromFlag() []string {
	headers := make([]string, 0)
	for _, header := range strings.Split(*requestKeyHeaders, ",") {
		if header = strings.TrimSpace(header); header != "" {
			headers = append(headers, header)
		}
	}
	return headers
}

// captureResponse snapshots a network response whose body was already read.
func captureResponse(resp *http.Response, body []byte, responseType storage.ResponseType) *storage.Response {
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
	captured := &storage.Response{Status: resp.StatusCode, Header: header, Body: body, Type: responseType}
	if resp.Request != nil && resp.Request.URL != nil {
		captured.URL = resp.Request.URL.String()
	}
	return captured
}

// replayResponse rebuilds an *http.Response out of a stored one.
func replayResponse(stored *storage.Response, r *http.Request) *http.Response {
	header := stored.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(SourceHeader, "cache")
	header.Set("Content-Length", strconv.Itoa(len(stored.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", stored.Status, http.StatusText(stored.Status)),
		StatusCode:    stored.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(stored.Body)),
		ContentLength: int64(len(stored.Body)),
		Request:       r,
	}
}

// readUpTo reads at most `limit` bytes of `body`; complete is false when the body is longer.
func readUpTo(body io.Reader, limit int64) ([]byte, bool /*complete*/, error) {
	head, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, false, err
	}
	return head, int64(len(head)) <= limit, nil
}

// prefixedBody replays an already read prefix before the rest of the body.
type prefixedBody struct {
	io.Reader
	closer io.Closer
}

func (b *prefixedBody) Close() error {
	return b.closer.Close()
}

// Fetch answers an intercepted request, network first. It returns ErrNoResponse when the network failed and the
// store has no entry for the request.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	w.mux.RLock()
	state, store := w.state, w.store
	w.mux.RUnlock()
	// A superseded worker still finishes the requests routed to it before the switch.
	if state != StateActive && state != StateSuperseded {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, w.generation, state)
	}

	key := storage.NewRequestKey(r, w.keyHeaders)
	resp, err := w.network.Fetch(ctx, r)
	if err != nil {
		return w.fallback(ctx, store, key, r, err)
	}

	responseType := w.network.ResponseType(resp)
	if r.Method != http.MethodGet || resp.StatusCode != http.StatusOK || responseType != storage.TypeBasic {
		storeWrites.WithLabelValues("skipped").Inc()
		fetches.WithLabelValues("network").Inc()
		return resp, nil
	}

	body, complete, err := readUpTo(resp.Body, w.maxBodyBytes)
	if err != nil { // The connection broke mid-body.
		_ = resp.Body.Close()
		return w.fallback(ctx, store, key, r, err)
	}
	if !complete {
		storeWrites.WithLabelValues("too_large").Inc()
		fetches.WithLabelValues("network").Inc()
		resp.Body = &prefixedBody{Reader: io.MultiReader(bytes.NewReader(body), resp.Body), closer: resp.Body}
		return resp, nil
	}
	if err := resp.Body.Close(); err != nil {
		slog.Debug("Failed to close a fully read response body.", "url", r.URL.String(), "error", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	// The stored copy must not depend on the client staying connected.
	if err := store.Put(context.WithoutCancel(ctx), key, captureResponse(resp, body, responseType)); err != nil {
		storeWrites.WithLabelValues("failed").Inc()
		slog.Warn("Failed to store a network response.", "generation", w.generation, "key", key.String(),
			"error", err)
	} else {
		storeWrites.WithLabelValues("stored").Inc()
	}
	fetches.WithLabelValues("network").Inc()
	return resp, nil
}

// fallback answers from the store after the network attempt failed with `networkErr`.
func (w *Worker) fallback(ctx context.Context, store storage.Store, key storage.RequestKey, r *http.Request,
	networkErr error) (*http.Response, error) {
	slog.Debug("Network attempt failed, falling back to the cache.", "key", key.String(), "error", networkErr)
	stored, found, err := store.Match(context.WithoutCancel(ctx), key)
	if err != nil {
		slog.Warn("Failed to look up the cache.", "generation", w.generation, "key", key.String(), "error", err)
	}
	if err != nil || !found {
		fetches.WithLabelValues("none").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNoResponse, key)
	}
	fetches.WithLabelValues("cache").Inc()
	return replayResponse(stored, r), nil
}
