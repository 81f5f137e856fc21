// Alliopro's interceptor keeps captured responses in named cache stores, one store per cache generation.
// Stores of several generations may coexist until activation of a new generation deletes the old ones.
// A Storage holds the stores of a single origin and outlives any single interceptor process.

package storage

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrStoreNotFound = errors.New("cache store was not found")
	ErrInvalidName   = errors.New("invalid cache store name")
)

// ResponseType mirrors how a fetched response relates to the origin.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"  // Same-origin response; the only type that is ever stored.
	TypeCORS   ResponseType = "cors"   // Cross-origin response.
	TypeOpaque ResponseType = "opaque" // Cross-origin response without inspectable status.
	TypeError  ResponseType = "error"  // Network error.
)

// Response is a captured response: everything needed to replay it later.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Type     ResponseType
	URL      string    // The final URL the response was served from.
	StoredAt time.Time // Zero until the response is put into a store.
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Header = r.Header.Clone()
	clone.Body = slices.Clone(r.Body)
	return &clone
}

// RequestKey is the identity of a request inside a store: its method, its URL and the values of the headers
// the interceptor was configured to key on.
type RequestKey struct {
	Method  string
	URL     string
	Headers string // Canonical "name=value" pairs of the key headers, sorted by name and joined with '&'.
}

// NewRequestKey builds the identity of `r`. Only the headers named in `keyHeaders` take part in the identity.
func NewRequestKey(r *http.Request, keyHeaders []string) RequestKey {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	selected := make(map[string]string, len(keyHeaders))
	for _, name := range keyHeaders {
		name = textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if values := r.Header.Values(name); len(values) > 0 {
			selected[name] = strings.Join(values, ",")
		}
	}
	pairs := make([]string, 0, len(selected))
	for _, name := range slices.Sorted(maps.Keys(selected)) {
		pairs = append(pairs, name+"="+strconv.Quote(selected[name]))
	}
	return RequestKey{Method: strings.ToUpper(method), URL: r.URL.String(), Headers: strings.Join(pairs, "&")}
}

// String returns the serialized identity; stores use it as the primary key.
func (k RequestKey) String() string {
	if k.Headers == "" {
		return k.Method + " " + k.URL
	}
	return k.Method + " " + k.URL + " " + k.Headers
}

// ParseRequestKey is the inverse of RequestKey.String.
func ParseRequestKey(s string) (RequestKey, error) {
	parts := strings.SplitN(s, " ", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return RequestKey{}, fmt.Errorf("malformed request key %q", s)
	}
	key := RequestKey{Method: parts[0], URL: parts[1]}
	if len(parts) == 3 {
		key.Headers = parts[2]
	}
	return key, nil
}

// Digest is a 64-bit hash of the identity.
func (k RequestKey) Digest() uint64 {
	return xxhash.Sum64String(k.String())
}

// Entry pairs a request identity with its captured response.
type Entry struct {
	Key      RequestKey
	Response *Response
}

// Store is a handle to one named cache store.
type Store interface {
	Name() string
	// Put writes `resp` under `key`, overwriting any previous entry of the same key.
	Put(ctx context.Context, key RequestKey, resp *Response) error
	// PutAll writes all entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Match returns the response stored under `key`; the bool is false when there's none.
	Match(ctx context.Context, key RequestKey) (*Response, bool, error)
	// Keys returns the identities of every stored entry.
	Keys(ctx context.Context) ([]RequestKey, error)
}

// Storage owns the cache stores of a single origin.
type Storage interface {
	// Open returns the store named `name`, creating it if absent.
	Open(ctx context.Context, name string) (Store, error)
	// Names returns the names of every store in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the store and all its entries; the bool is false if there was no such store.
	// Handles of a deleted store fail with ErrStoreNotFound.
	Delete(ctx context.Context, name string) (bool, error)
	// MarkInstalled records that the store `name` holds a complete precache. It fails with ErrStoreNotFound when
	// there is no such store.
	MarkInstalled(ctx context.Context, name string) error
	// Installed reports whether the store `name` exists and was marked installed.
	Installed(ctx context.Context, name string) (bool, error)
	Close() error
}

// validateName rejects store names that can't be listed or deleted later.
func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if strings.ContainsAny(name, "\x00\n") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// compareKeys orders request keys by their serialized identity.
func compareKeys(a, b RequestKey) int {
	return strings.Compare(a.String(), b.String())
}
