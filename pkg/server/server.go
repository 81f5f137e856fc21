// The origin server is a thin shell around the lookup cache: API lookups are memoized pass-throughs to a backend,
// assets are served from a directory and metrics are exposed for scraping.

package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nobletooth/alliopro/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheStatusHeader tells whether a lookup was answered from the lookup cache.
const CacheStatusHeader = "X-Alliopro-Lookup-Cache"

// maxLookupBytes bounds the body of a single backend answer.
const maxLookupBytes = 8 << 20

var (
	httpAddress      = flag.String("http_address", ":8080", "The ip:port the origin server listens on.")
	staticDir        = flag.String("static_dir", "./static", "Directory of the served assets; empty serves none.")
	apiPrefix        = flag.String("api_prefix", "/api/", "Path prefix of the memoized lookup endpoint.")
	lookupBackendURL = flag.String("lookup_backend_url", "", "Backend answering the memoized lookups.")
	lookupTimeout    = flag.Duration("lookup_timeout", 10*time.Second, "Upper bound of a single backend lookup.")
)

var errLookupTooLarge = errors.New("lookup answer is too large")

// uncacheableError carries a backend answer that is passed to the client but never memoized.
type uncacheableError struct {
	lookup *Lookup
}

func (e *uncacheableError) Error() string {
	return fmt.Sprintf("backend answered %d", e.lookup.Status)
}

// Server is the origin HTTP server.
type Server struct {
	cache   *LookupCache
	backend *url.URL // Nil disables the lookup endpoint.
	client  *http.Client
	prefix  string
	mux     *http.ServeMux
}

// NewServer wires the origin handlers; `lookupCache` memoizes the lookups sent to `backend`.
func NewServer(lookupCache *LookupCache, backend *url.URL, client *http.Client, prefix, assetsDir string) *Server {
	if client == nil {
		client = http.DefaultClient
	}
	s := &Server{cache: lookupCache, backend: backend, client: client, prefix: prefix, mux: http.NewServeMux()}
	s.mux.Handle("/metrics", promhttp.Handler())
	if backend != nil && prefix != "" {
		s.mux.HandleFunc(prefix, s.serveLookup)
	}
	if assetsDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(assetsDir)))
	}
	return s
}

// NewServerFromFlags builds the server described by the command line flags.
func NewServerFromFlags() (*Server, error) {
	var backend *url.URL
	if *lookupBackendURL != "" {
		parsed, err := url.Parse(*lookupBackendURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse lookup backend url: %w", err)
		}
		if !parsed.IsAbs() {
			return nil, fmt.Errorf("lookup backend url %q is not absolute", *lookupBackendURL)
		}
		backend = parsed
	}
	if *apiPrefix != "" && !strings.HasPrefix(*apiPrefix, "/") {
		return nil, fmt.Errorf("api prefix %q must start with '/'", *apiPrefix)
	}
	return NewServer(NewLookupCache(), backend, &http.Client{Timeout: *lookupTimeout}, *apiPrefix, *staticDir), nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// backendURL maps a lookup request to its backend URL.
func (s *Server) backendURL(r *http.Request) string {
	target := s.backend.JoinPath(strings.TrimPrefix(r.URL.Path, s.prefix))
	target.RawQuery = r.URL.RawQuery
	return target.String()
}

// fetchLookup performs the expensive backend lookup.
func (s *Server) fetchLookup(ctx context.Context, target string) (*Lookup, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil /*body*/)
	if err != nil {
		return nil, fmt.Errorf("failed to build lookup request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLookupBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read lookup %s: %w", target, err)
	}
	if len(body) > maxLookupBytes {
		return nil, fmt.Errorf("%w: %s is over %d bytes", errLookupTooLarge, target, maxLookupBytes)
	}
	lookup := &Lookup{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   time.Now(),
	}
	if !isCacheable(resp.StatusCode) {
		return nil, &uncacheableError{lookup: lookup}
	}
	return lookup, nil
}

func (s *Server) serveLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Lookups are read only.", http.StatusMethodNotAllowed)
		return
	}
	target := s.backendURL(r)
	lookup, cached, err := s.cache.Memoize(r.Context(), target, func(ctx context.Context) (*Lookup, error) {
		return s.fetchLookup(ctx, target)
	})
	var uncacheable *uncacheableError
	if errors.As(err, &uncacheable) { // Passed through, never memoized.
		lookup, err = uncacheable.lookup, nil
	}
	if err != nil {
		slog.Warn("Lookup failed.", "target", target, "error", err)
		http.Error(w, "Lookup failed.", http.StatusBadGateway)
		return
	}

	if lookup.ContentType != "" {
		w.Header().Set("Content-Type", lookup.ContentType)
	}
	w.Header().Set(CacheStatusHeader, cacheStatus(cached))
	w.WriteHeader(lookup.Status)
	if r.Method == http.MethodGet {
		_, _ = w.Write(lookup.Body)
	}
}

// Run serves on -http_address until `ctx` is done.
func (s *Server) Run(ctx context.Context) error {
	return utils.Serve(ctx, *httpAddress, s.Handler())
}
